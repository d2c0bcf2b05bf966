package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/dosolink/internal/observability"
	"github.com/rs/zerolog"
)

// RequestState is the completion state of a pending request
type RequestState int

const (
	StatePending RequestState = iota
	StateResolved
	StateRejected
	StateTimedOut
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pendingRequest tracks one outstanding request until its terminal event
type pendingRequest struct {
	id        uint64
	createdAt time.Time
	deadline  time.Time
	state     RequestState
	timer     Timer
	arm       uint64
	done      chan struct{}
	reply     Message
	err       error
}

// Future is the caller's handle on a pending request.
type Future struct {
	id uint64
	p  *pendingRequest
}

// ID returns the correlation id assigned to the request.
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the request has been resolved, rejected, or timed out.
func (f *Future) Done() <-chan struct{} {
	return f.p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (Message, error) {
	return f.p.reply, f.p.err
}

// Wait blocks until the request completes or ctx is done. Giving up on ctx
// does not cancel the request; it still ends by reply, rejection, or timeout.
func (f *Future) Wait(ctx context.Context) (Message, error) {
	select {
	case <-f.p.done:
		return f.p.reply, f.p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failedFuture returns an already rejected future.
func failedFuture(id uint64, err error) *Future {
	p := &pendingRequest{id: id, state: StateRejected, err: err, done: make(chan struct{})}
	close(p.done)
	return &Future{id: id, p: p}
}

// Registry maps correlation ids to pending requests. All transitions happen
// under one mutex; the first terminal event for an id wins.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*pendingRequest
	clock   Clock
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(clock Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		entries: make(map[uint64]*pendingRequest),
		clock:   clock,
		logger:  logger,
	}
}

// Create registers id as pending and returns its future.
func (r *Registry) Create(id uint64) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	p := &pendingRequest{
		id:        id,
		createdAt: r.clock.Now(),
		state:     StatePending,
		done:      make(chan struct{}),
	}
	r.entries[id] = p
	observability.SetPendingRequests(len(r.entries))

	return &Future{id: id, p: p}, nil
}

// Resolve completes the request with reply. It reports whether a pending
// entry was found.
func (r *Registry) Resolve(id uint64, reply Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		r.logger.Debug().Uint64("requestId", id).Msg("Resolve ignored, no pending request")
		return false
	}

	p.reply = reply
	r.finishLocked(p, StateResolved)
	return true
}

// Reject completes the request with err.
func (r *Registry) Reject(id uint64, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		r.logger.Debug().Uint64("requestId", id).Msg("Reject ignored, no pending request")
		return false
	}

	p.err = err
	r.finishLocked(p, StateRejected)
	return true
}

// SetTimeout arms the deadline for id. If neither Resolve nor Reject happens
// within d, the request fails with ErrTimeout. Re-arming replaces the
// previous timer.
func (r *Registry) SetTimeout(id uint64, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	// a replaced timer that already fired sees a stale arm and does nothing
	p.arm++
	arm := p.arm
	p.deadline = r.clock.Now().Add(d)
	p.timer = r.clock.AfterFunc(d, func() {
		r.expire(p, arm, d)
	})
	return true
}

// RejectAll rejects every pending request with a RequestError of the given
// kind and returns how many were rejected.
func (r *Registry) RejectAll(kind error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, p := range r.entries {
		p.err = newRequestError(p.id, kind, nil)
		r.finishLocked(p, StateRejected)
		count++
	}
	return count
}

// Len returns the number of pending requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// State returns the state of a pending id, or false if it is not pending.
func (r *Registry) State(id uint64) (RequestState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// expire runs on the timer goroutine. The entry pointer check drops firings
// that lost the race with Resolve/Reject.
func (r *Registry) expire(p *pendingRequest, arm uint64, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[p.id]; !ok || current != p || p.arm != arm {
		return
	}

	p.err = newRequestError(p.id, ErrTimeout, fmt.Errorf("no reply within %v", d))
	r.finishLocked(p, StateTimedOut)

	r.logger.Warn().
		Uint64("requestId", p.id).
		Dur("timeout", d).
		Msg("Request timed out")
}

func (r *Registry) finishLocked(p *pendingRequest, state RequestState) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = state
	delete(r.entries, p.id)
	close(p.done)

	observability.RecordRequestOutcome(state.String(), r.clock.Now().Sub(p.createdAt))
	observability.SetPendingRequests(len(r.entries))
}
