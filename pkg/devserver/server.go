// Package devserver is a development peer that answers envelopes over a
// websocket. It backs the serve command and the end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/dosolink/internal/observability"
	"github.com/harun/dosolink/pkg/wire"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// Server is the development peer
type Server struct {
	host         string
	port         int
	sharedSecret string
	tickInterval time.Duration
	version      string
	rpm          int
	maxInFlight  int

	httpServer  *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *Router
	broadcaster *EventBroadcaster
	codec       *wire.Codec
	credentials credentialStore
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	TickInterval time.Duration
	Version      string
	Logger       zerolog.Logger

	// Per-client limits; zero takes the defaults
	RequestsPerMinute int
	MaxConcurrent     int
}

// NewServer creates a new server. An empty shared secret disables the
// handshake; a zero tick interval disables tick events.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("version is required")
	}

	codec, err := wire.NewCodec()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "devserver").Logger()
	clients := NewClientRegistry()

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		tickInterval: cfg.TickInterval,
		version:      cfg.Version,
		rpm:          cfg.RequestsPerMinute,
		maxInFlight:  cfg.MaxConcurrent,
		clients:      clients,
		router:       NewRouter(),
		broadcaster:  NewEventBroadcaster(clients, logger),
		codec:        codec,
		credentials:  credentialStore{secrets: make(map[string]string)},
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinHandlers()
	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"version": s.version,
			"clients": s.clients.Count(),
		})
	})

	return r
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting dev server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Dev server error")
		}
	}()

	s.StartTicker()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down dev server")
	s.StopTicker()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Close()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Dev server stopped")
	return nil
}

// StartTicker begins broadcasting tick events
func (s *Server) StartTicker() {
	if s.tickInterval <= 0 || s.tickCancel != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Tick()
			}
		}
	}()
}

// StopTicker stops the tick emitter
func (s *Server) StopTicker() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// Broadcast sends an uncorrelated event to authenticated clients
func (s *Server) Broadcast(kind string, payload interface{}) {
	s.broadcaster.Broadcast(kind, payload)
}

// RegisterHandler adds or replaces a handler for kind
func (s *Server) RegisterHandler(kind string, handler HandlerFunc) error {
	return s.router.Register(kind, handler)
}

// Clients returns information about connected clients
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:            clientID,
		Authenticated: s.sharedSecret == "",
		ConnectedAt:   time.Now(),
		LastActivity:  time.Now(),
		IPAddress:     r.RemoteAddr,
		conn:          conn,
		limiter:       NewClientRateLimiter(s.rpm, s.maxInFlight),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if !client.Authenticated {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			conn.Close()
			s.clients.Remove(clientID)
			return
		}
	}

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	if !client.Authenticated {
		var authResp wire.AuthResponse
		if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == wire.MethodAuthResponse {
			s.handleAuthMessage(client, authResp)
			return
		}
	}

	req, err := s.codec.Decode(message)
	if err != nil {
		s.sendReply(client, &wire.Envelope{Kind: wire.TypeError, Error: err.Error()})
		return
	}

	if !client.Authenticated {
		s.sendReply(client, req.ReplyError("authentication required"))
		return
	}

	s.logger.Debug().
		Str("clientId", client.ID).
		Str("type", req.Kind).
		Uint64("requestId", req.ID).
		Msg("Request received")

	if ok, reason := client.limiter.Acquire(); !ok {
		s.logger.Warn().Str("clientId", client.ID).Str("reason", reason).Msg("Request refused")
		s.sendReply(client, req.ReplyError(reason))
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.limiter.Release()

		if reply := s.router.Route(client, req); reply != nil {
			s.sendReply(client, reply)
		}
	}()
}

func (s *Server) sendReply(client *Client, reply *wire.Envelope) {
	if err := client.WriteJSON(reply); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Uint64("requestId", reply.ID).
			Msg("Failed to send reply")
	}
}
