package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRequestTimeout applies when no TimeoutSource is configured or it
// returns a non-positive duration.
const DefaultRequestTimeout = 10 * time.Second

const (
	outboundLane = "outbound"
	inboundLane  = "inbound"
)

// Config holds coordinator dependencies
type Config struct {
	Transport Transport
	Timeouts  TimeoutSource
	Logger    zerolog.Logger
	Clock     Clock
	OnEvent   EventHandler
}

// outgoing is an outbound lane item
type outgoing struct {
	msg     Message
	timeout time.Duration
}

// Stats is a point-in-time view of the coordinator
type Stats struct {
	OutboundState  LaneState
	OutboundQueued int
	InboundState   LaneState
	InboundQueued  int
	Pending        int
	LastID         uint64
}

// Coordinator is the facade over the id generator, both lanes and the
// pending request registry.
type Coordinator struct {
	transport Transport
	timeouts  TimeoutSource
	onEvent   EventHandler
	logger    zerolog.Logger

	ids      idGenerator
	registry *Registry

	mu       sync.RWMutex
	outbound *Lane[outgoing]
	inbound  *Lane[Message]
	closed   bool
}

// New creates a coordinator with both lanes paused
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	c := &Coordinator{
		transport: cfg.Transport,
		timeouts:  cfg.Timeouts,
		onEvent:   cfg.OnEvent,
		logger:    cfg.Logger.With().Str("component", "exchange").Logger(),
		registry:  NewRegistry(cfg.Clock, cfg.Logger),
	}
	c.Init()

	return c, nil
}

// Init creates both lanes in the paused state. On an initialized coordinator
// it behaves like Reset, so buffered requests are rejected instead of lost.
func (c *Coordinator) Init() {
	c.mu.Lock()
	if c.outbound == nil && c.inbound == nil {
		c.initLanesLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Reset()
}

func (c *Coordinator) initLanesLocked() {
	c.outbound = NewLane(outboundLane, c.processOutgoing, c.logger)
	c.inbound = NewLane(inboundLane, c.processIncoming, c.logger)
}

// Request assigns a correlation id to msg, registers it as pending and queues
// it for sending. The id is set on msg before Request returns.
func (c *Coordinator) Request(msg Message) *Future {
	return c.RequestWithTimeout(msg, 0)
}

// RequestWithTimeout is Request with a per-request timeout. A non-positive
// timeout uses the configured request timeout.
func (c *Coordinator) RequestWithTimeout(msg Message, timeout time.Duration) *Future {
	if msg == nil {
		return failedFuture(0, errors.New("message is required"))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return failedFuture(0, newRequestError(0, ErrClosed, nil))
	}

	id := c.ids.Next()
	msg.SetRequestID(id)

	future, err := c.registry.Create(id)
	if err != nil {
		c.logger.Error().Err(err).Uint64("requestId", id).Msg("Correlation id collision")
		return failedFuture(id, err)
	}

	c.outbound.Push(outgoing{msg: msg, timeout: timeout})
	return future
}

// QueueIncomingMessage hands a delivered message to the inbound lane.
func (c *Coordinator) QueueIncomingMessage(msg Message) {
	if msg == nil {
		c.logger.Warn().Msg("Ignoring nil incoming message")
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.logger.Debug().Str("type", msg.Type()).Msg("Dropping incoming message after close")
		return
	}
	c.inbound.Push(msg)
}

// Pause halts processing on both lanes. Pushes are still buffered.
func (c *Coordinator) Pause() {
	c.logger.Debug().Msg("Coordinator pause")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.inbound.Pause()
	c.outbound.Pause()
}

// Resume continues processing on both lanes.
func (c *Coordinator) Resume() {
	c.logger.Debug().Msg("Coordinator resume")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.inbound.Resume()
	c.outbound.Resume()
}

// Reset stops both lanes, rejects every pending request with ErrReset and
// starts over with empty paused lanes. Correlation ids keep increasing.
// An item already being processed finishes; its late timeout arming or reply
// finds no pending entry and is ignored. Reset does not wait for that item,
// so after an immediate Resume the old worker's Send may overlap the new
// lane's first Send; transports must tolerate concurrent Send calls.
// Reset may be called from OnEvent.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	discardedOut := c.outbound.halt()
	discardedIn := c.inbound.halt()

	c.initLanesLocked()
	rejected := c.registry.RejectAll(ErrReset)
	c.mu.Unlock()

	c.logger.Info().
		Int("discardedOutbound", len(discardedOut)).
		Int("discardedInbound", len(discardedIn)).
		Int("rejected", rejected).
		Msg("Coordinator reset")
}

// Close stops both lanes and rejects all pending requests with ErrClosed.
// Later requests fail immediately.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	c.outbound.halt()
	c.inbound.halt()
	rejected := c.registry.RejectAll(ErrClosed)
	c.mu.Unlock()

	c.logger.Info().Int("rejected", rejected).Msg("Coordinator closed")
	return nil
}

// Stats returns current lane and registry figures
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		OutboundState:  c.outbound.State(),
		OutboundQueued: c.outbound.Len(),
		InboundState:   c.inbound.State(),
		InboundQueued:  c.inbound.Len(),
		Pending:        c.registry.Len(),
		LastID:         c.ids.Last(),
	}
}

func (c *Coordinator) requestTimeout() time.Duration {
	if c.timeouts == nil {
		return DefaultRequestTimeout
	}
	if d := c.timeouts.RequestTimeout(); d > 0 {
		return d
	}
	return DefaultRequestTimeout
}

// processOutgoing sends one message and arms its timeout. A send failure
// rejects the request right away.
func (c *Coordinator) processOutgoing(ctx context.Context, item outgoing) error {
	msg := item.msg
	id := msg.RequestID()

	c.logger.Info().
		Str("dir", "->").
		Str("protocol", c.transport.Protocol()).
		Str("type", msg.Type()).
		Uint64("requestId", id).
		Msg("Outgoing message")

	if err := c.send(msg); err != nil {
		c.registry.Reject(id, newRequestError(id, ErrTransportSend, err))
		return fmt.Errorf("send request %d: %w", id, err)
	}

	timeout := item.timeout
	if timeout <= 0 {
		timeout = c.requestTimeout()
	}
	c.registry.SetTimeout(id, timeout)
	return nil
}

func (c *Coordinator) send(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return c.transport.Send(msg)
}

// processIncoming resolves the matching request, or routes uncorrelated
// messages to the event handler.
func (c *Coordinator) processIncoming(ctx context.Context, msg Message) error {
	id := msg.RequestID()

	c.logger.Info().
		Str("dir", "<-").
		Str("protocol", c.transport.Protocol()).
		Str("type", msg.Type()).
		Uint64("requestId", id).
		Msg("Incoming message")

	if id == 0 {
		if c.onEvent != nil {
			c.onEvent(msg)
		}
		return nil
	}

	if !c.registry.Resolve(id, msg) {
		c.logger.Warn().
			Err(ErrUnknownCorrelation).
			Uint64("requestId", id).
			Str("type", msg.Type()).
			Msg("Reply has no pending request")
	}
	return nil
}
