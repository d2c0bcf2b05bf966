package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/dosolink/internal/observability"
	"github.com/harun/dosolink/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LaneState is the lifecycle state of a lane
type LaneState int

const (
	LaneStopped LaneState = iota
	LanePaused
	LaneRunning
)

func (s LaneState) String() string {
	switch s {
	case LaneStopped:
		return "stopped"
	case LanePaused:
		return "paused"
	case LaneRunning:
		return "running"
	default:
		return fmt.Sprintf("lane(%d)", int(s))
	}
}

// ProcessFunc handles one lane item. A returned error is logged and the lane
// moves on to the next item.
type ProcessFunc[T any] func(ctx context.Context, item T) error

// Lane is an unbounded FIFO buffer drained by a single worker goroutine.
// Pushes are accepted in every state; items are only processed while running.
type Lane[T any] struct {
	name    string
	process ProcessFunc[T]
	logger  zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	paused  bool
	stopped bool
	done    chan struct{}
}

// NewLane creates a lane in the paused state and starts its worker
func NewLane[T any](name string, process ProcessFunc[T], logger zerolog.Logger) *Lane[T] {
	l := &Lane[T]{
		name:    name,
		process: process,
		logger:  logger.With().Str("lane", name).Logger(),
		queue:   make([]T, 0),
		paused:  true,
		done:    make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	go l.run()

	l.logger.Debug().Msg("Lane initialized")
	return l
}

// Push appends item to the lane. It never blocks on processing.
func (l *Lane[T]) Push(item T) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Warn().Msg("Push to stopped lane ignored")
		return
	}
	l.queue = append(l.queue, item)
	size := len(l.queue)
	l.cond.Signal()
	l.mu.Unlock()

	observability.RecordLanePush(l.name, size)
}

// Pause stops the worker from taking new items. An item already being
// processed runs to completion.
func (l *Lane[T]) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume lets the worker continue with buffered items.
func (l *Lane[T]) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	l.cond.Signal()
}

// Stop terminates the worker after its current item and returns the items
// that were never processed. Stop must not be called from the lane's own
// ProcessFunc; use halt there.
func (l *Lane[T]) Stop() []T {
	remaining := l.halt()
	<-l.done
	return remaining
}

// halt marks the lane stopped and takes its buffer without waiting for the
// worker to finish the current item.
func (l *Lane[T]) halt() []T {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	remaining := l.queue
	l.queue = nil
	l.cond.Broadcast()
	l.mu.Unlock()

	observability.SetLaneSize(l.name, 0)
	l.logger.Debug().Int("discarded", len(remaining)).Msg("Lane stopped")
	return remaining
}

// State returns the current lane state
func (l *Lane[T]) State() LaneState {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.stopped:
		return LaneStopped
	case l.paused:
		return LanePaused
	default:
		return LaneRunning
	}
}

// Len returns the number of buffered items
func (l *Lane[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Lane[T]) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for !l.stopped && (l.paused || len(l.queue) == 0) {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}

		item := l.queue[0]
		var zero T
		l.queue[0] = zero
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.step(item)
	}
}

// step processes one item, isolating errors and panics to that item.
func (l *Lane[T]) step(item T) {
	ctx, span := tracing.StartSpan(
		context.Background(),
		"dosolink.exchange",
		"exchange.lane_step",
		attribute.String("lane", l.name),
	)
	defer span.End()

	start := time.Now()
	err := l.safeProcess(ctx, item)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error().Err(err).Dur("duration", duration).Msg("Lane item failed")
	}

	observability.RecordLaneProcessed(l.name, duration, err == nil, l.Len())
}

func (l *Lane[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s lane: %v", l.name, r)
		}
	}()
	return l.process(ctx, item)
}
