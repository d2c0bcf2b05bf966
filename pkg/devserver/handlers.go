package devserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/dosolink/pkg/wire"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// HandlerFunc answers one request. A nil reply with a nil error sends
// nothing back.
type HandlerFunc func(client *Client, req *wire.Envelope) (*wire.Envelope, error)

// Router dispatches requests by envelope type
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register registers a handler for kind
func (r *Router) Register(kind string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[kind] = handler
	return nil
}

// Route runs the handler for req. Unknown types and handler errors become
// error replies.
func (r *Router) Route(client *Client, req *wire.Envelope) *wire.Envelope {
	r.mu.RLock()
	handler, exists := r.handlers[req.Kind]
	r.mu.RUnlock()

	if !exists {
		return req.ReplyError(fmt.Sprintf("unknown message type: %s", req.Kind))
	}

	reply, err := handler(client, req)
	if err != nil {
		return req.ReplyError(err.Error())
	}
	return reply
}

// Types returns the registered message types
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		types = append(types, kind)
	}
	return types
}

// credentialStore holds identities issued by this server
type credentialStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (s *Server) registerBuiltinHandlers() {
	_ = s.router.Register(wire.TypeHello, s.handleHello)
	_ = s.router.Register(wire.TypePing, s.handlePing)
	_ = s.router.Register(wire.TypeEcho, s.handleEcho)
	_ = s.router.Register(wire.TypeIdentityRegister, s.handleRegister)
	_ = s.router.Register(wire.TypeIdentityLogin, s.handleLogin)
	_ = s.router.Register(wire.TypeDrop, s.handleDrop)
}

func (s *Server) handleHello(_ *Client, req *wire.Envelope) (*wire.Envelope, error) {
	return req.Reply(wire.TypeHello, wire.HelloResponse{
		ProtocolVersion: s.version,
		ServerTime:      time.Now().UnixMilli(),
	})
}

func (s *Server) handlePing(_ *Client, req *wire.Envelope) (*wire.Envelope, error) {
	return req.Reply(wire.TypePong, wire.PingResponse{ServerTime: time.Now().UnixMilli()})
}

func (s *Server) handleEcho(_ *Client, req *wire.Envelope) (*wire.Envelope, error) {
	return &wire.Envelope{ID: req.ID, Kind: wire.TypeEcho, Payload: req.Payload}, nil
}

func (s *Server) handleRegister(client *Client, req *wire.Envelope) (*wire.Envelope, error) {
	var body wire.RegisterRequest
	if err := req.DecodePayload(&body); err != nil {
		return nil, err
	}

	secret, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	creds := wire.Credentials{ID: uuid.NewString(), Secret: secret}

	s.credentials.mu.Lock()
	s.credentials.secrets[creds.ID] = creds.Secret
	s.credentials.mu.Unlock()

	s.logger.Info().
		Str("clientId", client.ID).
		Str("identityId", creds.ID).
		Str("fingerprint", body.Fingerprint).
		Msg("Identity registered")

	return req.Reply(wire.TypeIdentityRegister, creds)
}

func (s *Server) handleLogin(client *Client, req *wire.Envelope) (*wire.Envelope, error) {
	var creds wire.Credentials
	if err := req.DecodePayload(&creds); err != nil {
		return nil, err
	}

	s.credentials.mu.Lock()
	secret, ok := s.credentials.secrets[creds.ID]
	s.credentials.mu.Unlock()

	if !ok || secret != creds.Secret {
		s.logger.Warn().Str("clientId", client.ID).Str("identityId", creds.ID).Msg("Login rejected")
		return nil, fmt.Errorf("invalid credentials")
	}

	return req.Reply(wire.TypeIdentityLogin, wire.LoginResponse{ID: creds.ID, Accepted: true})
}

// handleDrop swallows the request so callers can observe timeouts
func (s *Server) handleDrop(client *Client, req *wire.Envelope) (*wire.Envelope, error) {
	s.logger.Debug().Str("clientId", client.ID).Uint64("requestId", req.ID).Msg("Dropping request")
	return nil, nil
}
