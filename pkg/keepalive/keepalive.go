// Package keepalive pings the peer on a cron schedule and reports a dead
// link after a run of missed pongs.
package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSchedule  = "@every 30s"
	DefaultMaxMisses = 3
)

// Pinger sends one ping and waits for the reply
type Pinger func(ctx context.Context) error

// Config holds monitor settings
type Config struct {
	Schedule  string
	MaxMisses int
	// Timeout bounds each ping; zero leaves it to the request timeout
	Timeout time.Duration
	Ping    Pinger
	// Ready gates each scheduled ping; a ping is skipped, not missed, while
	// it returns false
	Ready func() bool
	// OnDead runs once per streak of MaxMisses consecutive failures
	OnDead func(misses int)
	Logger zerolog.Logger
}

// Monitor runs pings on a schedule
type Monitor struct {
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	misses int
	last   time.Time
}

// New validates cfg and schedules the ping job. Call Start to run it.
func New(cfg Config) (*Monitor, error) {
	if cfg.Ping == nil {
		return nil, fmt.Errorf("ping function is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = DefaultMaxMisses
	}

	logger := cfg.Logger.With().Str("component", "keepalive").Logger()
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := m.cron.AddFunc(cfg.Schedule, m.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid keepalive schedule %q: %w", cfg.Schedule, err)
	}
	return m, nil
}

// Start starts the scheduler
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info().Str("schedule", m.cfg.Schedule).Int("maxMisses", m.cfg.MaxMisses).Msg("Keepalive started")
}

// Stop stops the scheduler, cancels a running ping and waits for it to
// return
func (m *Monitor) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
	m.logger.Info().Msg("Keepalive stopped")
}

func (m *Monitor) tick() {
	if m.cfg.Ready != nil && !m.cfg.Ready() {
		m.logger.Debug().Msg("Keepalive skipped, link not ready")
		return
	}
	_ = m.Check(m.ctx)
}

// Check runs one ping and updates the miss counter. It returns the ping error.
func (m *Monitor) Check(ctx context.Context) error {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := m.cfg.Ping(ctx)

	m.mu.Lock()
	if err == nil {
		m.misses = 0
		m.last = time.Now()
		m.mu.Unlock()
		m.logger.Debug().Dur("rtt", time.Since(start)).Msg("Keepalive pong")
		return nil
	}

	m.misses++
	misses := m.misses
	dead := misses >= m.cfg.MaxMisses
	if dead {
		m.misses = 0
	}
	m.mu.Unlock()

	m.logger.Warn().Err(err).Int("misses", misses).Msg("Keepalive ping failed")
	if dead {
		m.logger.Error().Int("misses", misses).Msg("Peer considered dead")
		if m.cfg.OnDead != nil {
			m.cfg.OnDead(misses)
		}
	}
	return err
}

// Misses returns the current streak of failed pings
func (m *Monitor) Misses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses
}

// LastPong returns when the last ping succeeded
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// cronLogger routes cron's logging through zerolog
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
