package devserver

import (
	"sync/atomic"
	"time"

	"github.com/harun/dosolink/pkg/wire"
	"github.com/rs/zerolog"
)

// EventBroadcaster sends uncorrelated events to all authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event envelope with request id 0
func (b *EventBroadcaster) Broadcast(kind string, payload interface{}) {
	env, err := wire.NewEnvelope(kind, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event", kind).Msg("Failed to build event")
		return
	}

	clients := b.clients.GetAuthenticated()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", kind).Msg("No authenticated clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteJSON(env); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", kind).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", kind).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

// Tick broadcasts a tick event
func (b *EventBroadcaster) Tick() {
	b.Broadcast(wire.TypeTick, wire.TickEvent{
		Seq:       atomic.AddInt64(&b.seq, 1),
		Timestamp: time.Now().UnixMilli(),
	})
}
