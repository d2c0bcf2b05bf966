package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, zerolog.Nop())
}

func TestRegistry_CreateAndResolve(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), future.ID())

	state, ok := r.State(1)
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	msg := reply(1, "ok")
	assert.True(t, r.Resolve(1, msg))

	got, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, msg, got)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Create(7)
	require.NoError(t, err)

	_, err = r.Create(7)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRegistry_Reject(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(2)
	require.NoError(t, err)

	assert.True(t, r.Reject(2, errBoom))

	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, errBoom)
}

func TestRegistry_UnknownIDIsNoop(t *testing.T) {
	r := newTestRegistry()

	assert.False(t, r.Resolve(99, reply(99, "late")))
	assert.False(t, r.Reject(99, errBoom))
	assert.False(t, r.SetTimeout(99, time.Millisecond))
}

func TestRegistry_FirstTerminalEventWins(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(3)
	require.NoError(t, err)

	first := reply(3, "first")
	assert.True(t, r.Resolve(3, first))
	assert.False(t, r.Resolve(3, reply(3, "second")))
	assert.False(t, r.Reject(3, errBoom))

	got, err := future.Result()
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestRegistry_Timeout(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(4)
	require.NoError(t, err)

	start := time.Now()
	require.True(t, r.SetTimeout(4, 100*time.Millisecond))

	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	elapsed := time.Since(start)

	_, err = future.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, uint64(4), reqErr.ID)

	// a reply arriving after the timeout is ignored
	assert.False(t, r.Resolve(4, reply(4, "late")))
}

func TestRegistry_ResolveBeforeTimeoutCancelsTimer(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(5)
	require.NoError(t, err)
	require.True(t, r.SetTimeout(5, 30*time.Millisecond))

	msg := reply(5, "fast")
	require.True(t, r.Resolve(5, msg))

	time.Sleep(80 * time.Millisecond)

	got, err := future.Result()
	require.NoError(t, err)
	assert.Same(t, msg, got)
}

// manualClock hands out timers whose callbacks run only when fired by the test
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (c *manualClock) Now() time.Time { return time.Now() }

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) timer(i int) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

func TestRegistry_RearmIgnoresReplacedTimer(t *testing.T) {
	clock := &manualClock{}
	r := NewRegistry(clock, zerolog.Nop())

	future, err := r.Create(9)
	require.NoError(t, err)
	require.True(t, r.SetTimeout(9, 10*time.Millisecond))
	require.True(t, r.SetTimeout(9, time.Hour))

	// the first timer fired before it could be stopped
	clock.timer(0).f()

	state, ok := r.State(9)
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	select {
	case <-future.Done():
		t.Fatal("request completed by a replaced timer")
	default:
	}

	clock.timer(1).f()
	_, err = future.Result()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRegistry_RejectAll(t *testing.T) {
	r := newTestRegistry()

	futures := make([]*Future, 0, 3)
	for id := uint64(1); id <= 3; id++ {
		f, err := r.Create(id)
		require.NoError(t, err)
		require.True(t, r.SetTimeout(id, time.Hour))
		futures = append(futures, f)
	}

	assert.Equal(t, 3, r.RejectAll(ErrReset))
	assert.Equal(t, 0, r.Len())

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, ErrReset)
	}
}

func TestRegistry_ConcurrentTerminalEvents(t *testing.T) {
	r := newTestRegistry()

	const n = 200
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		f, err := r.Create(uint64(i + 1))
		require.NoError(t, err)
		futures[i] = f
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		wg.Add(3)
		go func() { defer wg.Done(); r.Resolve(id, reply(id, "r")) }()
		go func() { defer wg.Done(); r.Reject(id, errBoom) }()
		go func() { defer wg.Done(); r.SetTimeout(id, time.Microsecond) }()
	}
	wg.Wait()

	for _, f := range futures {
		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never completed", f.ID())
		}
	}
	assert.Equal(t, 0, r.Len())
}

func TestFuture_WaitRespectsContext(t *testing.T) {
	r := newTestRegistry()

	future, err := r.Create(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// giving up does not cancel the request
	state, ok := r.State(1)
	require.True(t, ok)
	assert.Equal(t, StatePending, state)
}

func TestRequestState_String(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "resolved", StateResolved.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "timed-out", StateTimedOut.String())
}
