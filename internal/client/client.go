// Package client assembles a coordinator, a transport and the local identity
// into a session with the remote service.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/dosolink/internal/config"
	"github.com/harun/dosolink/pkg/exchange"
	"github.com/harun/dosolink/pkg/identity"
	"github.com/harun/dosolink/pkg/keepalive"
	"github.com/harun/dosolink/pkg/transport/rabbit"
	"github.com/harun/dosolink/pkg/transport/ws"
	"github.com/harun/dosolink/pkg/wire"
	"github.com/rs/zerolog"
)

// ErrIncompatibleServer is returned by Hello when the server's protocol
// version does not satisfy the configured constraint
var ErrIncompatibleServer = errors.New("incompatible server protocol version")

const eventBuffer = 64

// connector is what the client needs from a concrete transport
type connector interface {
	exchange.Transport
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Close() error
	Connected() bool
}

// Option customizes a Client
type Option func(*Client)

// WithLive shares a live config, typically one updated by config.Watcher
func WithLive(live *config.Live) Option {
	return func(c *Client) {
		c.live = live
	}
}

// WithStore replaces the sqlite identity store. The caller keeps ownership
// and closes it.
func WithStore(store identity.Store) Option {
	return func(c *Client) {
		c.store = store
		c.ownsStore = true
	}
}

// Client is a session with the remote service
type Client struct {
	live      *config.Live
	logger    zerolog.Logger
	store     identity.Store
	ownsStore bool
	identity  *identity.Identity
	codec     *wire.Codec
	coord     *exchange.Coordinator
	transport connector
	keepalive *keepalive.Monitor
	events    chan *wire.Envelope
	connected chan struct{}

	mu            sync.Mutex
	serverVersion string
	session       *wire.LoginResponse
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	connectOnce   sync.Once
	stopOnce      sync.Once
	stopErr       error
}

// New builds a client from cfg. Nothing connects until Start.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		logger:    logger.With().Str("component", "client").Logger(),
		events:    make(chan *wire.Envelope, eventBuffer),
		connected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.live == nil {
		c.live = config.NewLive(cfg)
	}

	codec, err := wire.NewCodec()
	if err != nil {
		return nil, err
	}
	c.codec = codec

	if err := c.initIdentity(cfg); err != nil {
		return nil, err
	}

	t, err := c.newTransport(cfg)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.transport = t

	coord, err := exchange.New(exchange.Config{
		Transport: t,
		Timeouts:  c.live,
		Logger:    logger,
		OnEvent:   c.handleEvent,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.coord = coord

	if cfg.Keepalive.Enabled {
		timeout := cfg.KeepaliveTimeout()
		if timeout <= 0 {
			timeout = exchange.DefaultRequestTimeout
		}

		// pings are skipped while offline: a paused lane would only buffer them
		monitor, err := keepalive.New(keepalive.Config{
			Schedule:  cfg.Keepalive.Schedule,
			MaxMisses: cfg.Keepalive.MaxMisses,
			Timeout:   timeout,
			Ready:     func() bool { return c.transport.Connected() },
			Ping: func(ctx context.Context) error {
				_, err := c.Ping(ctx)
				return err
			},
			OnDead: c.handleDead,
			Logger: logger,
		})
		if err != nil {
			c.closeStore()
			return nil, err
		}
		c.keepalive = monitor
	}

	return c, nil
}

// Fingerprint returns the configured fingerprint or derives one from the
// host name and data directory.
func Fingerprint(cfg *config.Config) string {
	if cfg.Identity.Fingerprint != "" {
		return cfg.Identity.Fingerprint
	}
	host, _ := os.Hostname()
	return identity.Fingerprint(host + ":" + cfg.DataDir)
}

func (c *Client) initIdentity(cfg *config.Config) error {
	if c.store == nil {
		store, err := identity.OpenSQLiteStore(cfg.Identity.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open identity store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	id, err := identity.New(c.store, Fingerprint(cfg))
	if err != nil {
		c.closeStore()
		return err
	}
	id.OnIDChange(func(oldID, newID string) {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		c.logger.Info().Str("oldId", oldID).Str("newId", newID).Msg("Identity changed, session dropped")
	})
	c.identity = id
	return nil
}

func (c *Client) newTransport(cfg *config.Config) (connector, error) {
	sink := inbox{c}

	switch cfg.Transport.Kind {
	case rabbit.Protocol:
		return rabbit.New(rabbit.Config{
			URL:            cfg.Transport.URL,
			Exchange:       cfg.Transport.AMQP.Exchange,
			RoutingKey:     cfg.Transport.AMQP.RoutingKey,
			ReplyQueue:     cfg.Transport.AMQP.ReplyQueue,
			ReconnectDelay: cfg.ReconnectDelay(),
			Codec:          c.codec,
			Sink:           sink,
			Logger:         c.logger,
			OnConnected:    c.handleConnected,
			OnDisconnected: c.handleDisconnected,
		})
	default:
		return ws.New(ws.Config{
			URL:            cfg.Transport.URL,
			SharedSecret:   cfg.Transport.SharedSecret,
			ReconnectDelay: cfg.ReconnectDelay(),
			Codec:          c.codec,
			Sink:           sink,
			Logger:         c.logger,
			OnConnected:    c.handleConnected,
			OnDisconnected: c.handleDisconnected,
		})
	}
}

// inbox hands transport deliveries to the coordinator, which is created
// after the transport.
type inbox struct {
	c *Client
}

func (i inbox) QueueIncomingMessage(msg exchange.Message) {
	i.c.coord.QueueIncomingMessage(msg)
}

// Start connects and keeps reconnecting in the background. It returns once
// the first connection is up or ctx is done.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.transport.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Transport stopped")
		}
	}()

	select {
	case <-c.connected:
	case <-ctx.Done():
		cancel()
		c.wg.Wait()
		return fmt.Errorf("failed to connect to %s: %w", c.live.Get().Transport.URL, ctx.Err())
	}

	if c.keepalive != nil {
		c.keepalive.Start()
	}
	c.logger.Info().Str("protocol", c.transport.Protocol()).Msg("Client started")
	return nil
}

// Stop closes the session and rejects anything still pending. Later calls
// return the first result.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop()
	})
	return c.stopErr
}

func (c *Client) stop() error {
	if c.keepalive != nil {
		c.keepalive.Stop()
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := c.coord.Close()
	if cerr := c.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.wg.Wait()
	c.closeStore()

	c.logger.Info().Msg("Client stopped")
	return err
}

// Events delivers unsolicited messages such as ticks. Events are dropped
// when the reader falls behind.
func (c *Client) Events() <-chan *wire.Envelope {
	return c.events
}

// Identity returns the local identity
func (c *Client) Identity() *identity.Identity {
	return c.identity
}

// Stats returns coordinator figures
func (c *Client) Stats() exchange.Stats {
	return c.coord.Stats()
}

// Connected reports whether the transport is up
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerVersion returns the protocol version reported by the last Hello
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Call sends a request of the given type and waits for its reply. A non-nil
// out receives the decoded reply payload.
func (c *Client) Call(ctx context.Context, kind string, payload, out interface{}) (*wire.Envelope, error) {
	req, err := wire.NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}

	msg, err := c.coord.Request(req).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", kind, err)
	}

	reply, ok := msg.(*wire.Envelope)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T", msg)
	}
	if err := reply.Err(); err != nil {
		return reply, err
	}
	if out != nil {
		if err := reply.DecodePayload(out); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// Hello exchanges protocol versions and checks the server against the
// configured constraint
func (c *Client) Hello(ctx context.Context) (*wire.HelloResponse, error) {
	cfg := c.live.Get()

	var resp wire.HelloResponse
	if _, err := c.Call(ctx, wire.TypeHello, wire.HelloRequest{
		ClientVersion: cfg.Exchange.ProtocolVersion,
		Fingerprint:   c.identity.Fingerprint(),
	}, &resp); err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(resp.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("server sent invalid version %q: %w", resp.ProtocolVersion, err)
	}

	if cfg.Exchange.ServerConstraint != "" {
		constraint, err := semver.NewConstraint(cfg.Exchange.ServerConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid server constraint %q: %w", cfg.Exchange.ServerConstraint, err)
		}
		if !constraint.Check(version) {
			return nil, fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleServer, version, cfg.Exchange.ServerConstraint)
		}
	}

	c.mu.Lock()
	c.serverVersion = version.String()
	c.mu.Unlock()

	c.logger.Info().Str("serverVersion", version.String()).Msg("Handshake complete")
	return &resp, nil
}

// Authenticate logs in with the stored identity, registering a new one when
// none exists or the server no longer knows it. It returns the identity id.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if c.identity.Registered() {
		var resp wire.LoginResponse
		_, err := c.Call(ctx, wire.TypeIdentityLogin, wire.Credentials{
			ID:     c.identity.ID(),
			Secret: c.identity.Secret(),
		}, &resp)
		if err == nil {
			c.mu.Lock()
			c.session = &resp
			c.mu.Unlock()
			c.logger.Info().Str("identityId", resp.ID).Msg("Logged in")
			return resp.ID, nil
		}

		var remote *wire.RemoteError
		if !errors.As(err, &remote) {
			return "", err
		}
		c.logger.Warn().Err(err).Msg("Stored identity rejected, registering again")
	}

	var creds wire.Credentials
	if _, err := c.Call(ctx, wire.TypeIdentityRegister, wire.RegisterRequest{
		Fingerprint: c.identity.Fingerprint(),
	}, &creds); err != nil {
		return "", err
	}
	if err := c.identity.SetIDAndSecret(creds.ID, creds.Secret); err != nil {
		return "", fmt.Errorf("failed to store identity: %w", err)
	}

	c.mu.Lock()
	c.session = &wire.LoginResponse{ID: creds.ID, Accepted: true}
	c.mu.Unlock()

	c.logger.Info().Str("identityId", creds.ID).Msg("Registered new identity")
	return creds.ID, nil
}

// LoggedIn reports whether the current identity has an accepted session
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.Accepted
}

// Ping measures one request round trip
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Call(ctx, wire.TypePing, nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) handleConnected() {
	c.connectOnce.Do(func() { close(c.connected) })
	c.coord.Resume()
}

func (c *Client) handleDisconnected(err error) {
	c.coord.Pause()
	c.logger.Warn().Err(err).Msg("Connection lost, outbound requests buffered")
}

// handleDead resets the coordinator after repeated missed pings so callers
// stop waiting on a link that no longer answers.
func (c *Client) handleDead(misses int) {
	c.logger.Error().Int("misses", misses).Msg("Peer unresponsive, resetting exchange")
	c.coord.Reset()
	if c.transport.Connected() {
		c.coord.Resume()
	}
}

func (c *Client) handleEvent(msg exchange.Message) {
	env, ok := msg.(*wire.Envelope)
	if !ok {
		return
	}

	select {
	case c.events <- env:
	default:
		c.logger.Warn().Str("type", env.Kind).Msg("Event buffer full, dropping event")
	}
}

// closeStore closes the store only when the client opened it
func (c *Client) closeStore() {
	if !c.ownsStore {
		return
	}
	if closer, ok := c.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close identity store")
		}
	}
}
