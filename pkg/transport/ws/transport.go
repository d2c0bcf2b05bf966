// Package ws carries envelopes over a gorilla websocket connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/dosolink/internal/observability"
	"github.com/harun/dosolink/internal/tracing"
	"github.com/harun/dosolink/pkg/exchange"
	"github.com/harun/dosolink/pkg/transport"
	"github.com/harun/dosolink/pkg/wire"
	"github.com/rs/zerolog"
)

// Protocol is the name reported by Transport.Protocol
const Protocol = "websocket"

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultReconnectDelay   = 2 * time.Second
	writeTimeout            = 10 * time.Second
)

// Config holds websocket transport settings
type Config struct {
	URL              string
	SharedSecret     string
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	Codec            *wire.Codec
	Sink             transport.Sink
	Logger           zerolog.Logger

	// OnConnected runs after the handshake succeeds
	OnConnected func()
	// OnDisconnected runs once per lost connection
	OnDisconnected func(err error)
}

// Transport sends envelopes over one websocket connection at a time and
// feeds inbound frames to the sink.
type Transport struct {
	cfg    Config
	dialer websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
	closed bool
}

var _ exchange.Transport = (*Transport)(nil)

// New creates a disconnected transport
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Codec == nil {
		codec, err := wire.NewCodec()
		if err != nil {
			return nil, err
		}
		cfg.Codec = codec
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Transport{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: cfg.Logger.With().Str("component", "ws-transport").Logger(),
	}, nil
}

func (t *Transport) Protocol() string {
	return Protocol
}

// Send writes msg as one text frame. It fails with transport.ErrNotConnected
// while no connection is up.
func (t *Transport) Send(msg exchange.Message) error {
	data, err := t.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return transport.ErrNotConnected
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Connected reports whether a connection is up
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the peer, completes the handshake and starts reading.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.connect(ctx)
	return err
}

// Run keeps a connection up until ctx is done, waiting ReconnectDelay
// between attempts.
func (t *Transport) Run(ctx context.Context) error {
	for {
		lost, err := t.connect(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Str("url", t.cfg.URL).Msg("Connect failed")
		} else {
			select {
			case <-lost:
			case <-ctx.Done():
				_ = t.Close()
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			_ = t.Close()
			return ctx.Err()
		case <-time.After(t.cfg.ReconnectDelay):
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return nil
		}
	}
}

// Close closes the current connection and stops Run from reconnecting.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// connect returns a channel that is closed when the connection is lost.
func (t *Transport) connect(ctx context.Context) (<-chan struct{}, error) {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil, errors.New("already connected")
	}
	t.closed = false
	t.mu.Unlock()

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		observability.RecordConnectionEvent(Protocol, "failed")
		return nil, fmt.Errorf("failed to dial %s: %w", t.cfg.URL, err)
	}

	if t.cfg.SharedSecret != "" {
		if err := t.authenticate(conn); err != nil {
			conn.Close()
			observability.RecordConnectionEvent(Protocol, "failed")
			return nil, err
		}
	}

	connID := tracing.NewTraceID()
	logger := tracing.LoggerFromContext(tracing.WithConnectionID(ctx, connID), t.logger)

	t.mu.Lock()
	t.conn = conn
	t.connID = connID
	t.mu.Unlock()

	observability.RecordConnectionEvent(Protocol, "connected")
	logger.Info().Str("url", t.cfg.URL).Msg("Connected")

	if t.cfg.OnConnected != nil {
		t.cfg.OnConnected()
	}

	lost := make(chan struct{})
	go t.readLoop(conn, logger, lost)
	return lost, nil
}

// authenticate answers the server's HMAC challenge
func (t *Transport) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	var challenge wire.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read auth challenge: %w", err)
	}
	if challenge.Event != wire.EventAuthChallenge || challenge.Challenge == "" {
		return fmt.Errorf("unexpected handshake frame %q", challenge.Event)
	}

	resp := wire.AuthResponse{
		Method:    wire.MethodAuthResponse,
		Signature: wire.SignChallenge(t.cfg.SharedSecret, challenge.Challenge),
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(resp); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}

	var result wire.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("authentication rejected: %s", result.Message)
	}

	// clear handshake deadlines
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

func (t *Transport) readLoop(conn *websocket.Conn, logger zerolog.Logger, lost chan struct{}) {
	var readErr error
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.connID = ""
		}
		t.mu.Unlock()
		conn.Close()

		observability.RecordConnectionEvent(Protocol, "disconnected")
		logger.Info().Err(readErr).Msg("Disconnected")

		if t.cfg.OnDisconnected != nil {
			t.cfg.OnDisconnected(readErr)
		}
		close(lost)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
			}
			return
		}

		env, err := t.cfg.Codec.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}
		t.cfg.Sink.QueueIncomingMessage(env)
	}
}
