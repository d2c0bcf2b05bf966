package config

import (
	"sync/atomic"
	"time"
)

// Live holds the current configuration and can be swapped at runtime.
// It satisfies exchange.TimeoutSource.
type Live struct {
	current atomic.Pointer[Config]
}

// NewLive creates a Live holding cfg
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.current.Store(cfg)
	return l
}

// Get returns the current configuration
func (l *Live) Get() *Config {
	return l.current.Load()
}

// Set replaces the current configuration
func (l *Live) Set(cfg *Config) {
	l.current.Store(cfg)
}

// RequestTimeout returns the request timeout of the current configuration
func (l *Live) RequestTimeout() time.Duration {
	return l.Get().RequestTimeout()
}
