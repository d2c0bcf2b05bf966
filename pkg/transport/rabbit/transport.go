// Package rabbit carries envelopes over RabbitMQ using the request/reply
// pattern: requests are published with CorrelationId and ReplyTo set, and
// replies arrive on an exclusive queue owned by this transport.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/dosolink/internal/observability"
	"github.com/harun/dosolink/pkg/exchange"
	"github.com/harun/dosolink/pkg/transport"
	"github.com/harun/dosolink/pkg/wire"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Protocol is the name reported by Transport.Protocol
const Protocol = "amqp"

const (
	publishTimeout        = 5 * time.Second
	defaultReconnectDelay = 2 * time.Second
)

// channel is the subset of *amqp.Channel the transport uses
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config holds AMQP transport settings
type Config struct {
	URL            string
	Exchange       string
	RoutingKey     string
	ReplyQueue     string
	ReconnectDelay time.Duration
	Codec          *wire.Codec
	Sink           transport.Sink
	Logger         zerolog.Logger

	OnConnected    func()
	OnDisconnected func(err error)
}

// Transport publishes requests and consumes replies
type Transport struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	conn       io.Closer
	ch         channel
	replyQueue string
	closed     bool
}

var _ exchange.Transport = (*Transport)(nil)

// New creates a disconnected transport
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("exchange is required")
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
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "amqp-transport").Logger(),
	}, nil
}

func (t *Transport) Protocol() string {
	return Protocol
}

// Send publishes msg to the configured exchange and routing key
func (t *Transport) Send(msg exchange.Message) error {
	body, err := t.cfg.Codec.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	ch, replyQueue := t.ch, t.replyQueue
	t.mu.Unlock()

	if ch == nil {
		return transport.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: strconv.FormatUint(msg.RequestID(), 10),
		ReplyTo:       replyQueue,
		Type:          msg.Type(),
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          body,
	}

	if err := ch.PublishWithContext(ctx, t.cfg.Exchange, t.cfg.RoutingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Connected reports whether a channel is open
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil
}

// Connect dials the broker, declares the topology and starts consuming
// replies.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.connect(ctx)
	return err
}

// Run keeps a connection up until ctx is done
func (t *Transport) Run(ctx context.Context) error {
	for {
		lost, err := t.connect(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Connect failed")
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

// Close closes the channel and connection
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn, ch := t.conn, t.ch
	t.conn, t.ch, t.replyQueue = nil, nil, ""
	t.mu.Unlock()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func (t *Transport) connect(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.ch != nil {
		t.mu.Unlock()
		return nil, errors.New("already connected")
	}
	t.closed = false
	t.mu.Unlock()

	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		observability.RecordConnectionEvent(Protocol, "failed")
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		observability.RecordConnectionEvent(Protocol, "failed")
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	lost := make(chan struct{})
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := t.attach(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		observability.RecordConnectionEvent(Protocol, "failed")
		return nil, err
	}

	go t.consume(deliveries, closeCh, lost)
	return lost, nil
}

// attach declares the topology on ch and starts consuming the reply queue
func (t *Transport) attach(ch channel) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// an empty name lets the broker pick a unique exclusive queue
	queue, err := ch.QueueDeclare(t.cfg.ReplyQueue, false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}

	t.mu.Lock()
	t.ch = ch
	t.replyQueue = queue.Name
	t.mu.Unlock()

	observability.RecordConnectionEvent(Protocol, "connected")
	t.logger.Info().Str("exchange", t.cfg.Exchange).Str("replyQueue", queue.Name).Msg("Connected")

	if t.cfg.OnConnected != nil {
		t.cfg.OnConnected()
	}
	return deliveries, nil
}

func (t *Transport) consume(deliveries <-chan amqp.Delivery, closeCh <-chan *amqp.Error, lost chan struct{}) {
	var cause error
	defer func() {
		// a channel can die while its connection stays up; release both so a
		// reconnect never leaves the old connection open
		t.mu.Lock()
		conn, ch := t.conn, t.ch
		t.conn, t.ch, t.replyQueue = nil, nil, ""
		t.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}

		observability.RecordConnectionEvent(Protocol, "disconnected")
		t.logger.Info().Err(cause).Msg("Disconnected")

		if t.cfg.OnDisconnected != nil {
			t.cfg.OnDisconnected(cause)
		}
		close(lost)
	}()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			t.handleDelivery(d)
		case amqpErr, ok := <-closeCh:
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			return
		}
	}
}

// handleDelivery decodes one reply. A body without a request id takes the
// CorrelationId property instead.
func (t *Transport) handleDelivery(d amqp.Delivery) {
	env, err := t.cfg.Codec.Decode(d.Body)
	if err != nil {
		t.logger.Warn().Err(err).Str("messageId", d.MessageId).Msg("Dropping malformed delivery")
		return
	}

	if env.ID == 0 && d.CorrelationId != "" {
		id, err := strconv.ParseUint(d.CorrelationId, 10, 64)
		if err != nil {
			t.logger.Warn().Str("correlationId", d.CorrelationId).Msg("Ignoring non-numeric correlation id")
		} else {
			env.ID = id
		}
	}

	t.cfg.Sink.QueueIncomingMessage(env)
}
