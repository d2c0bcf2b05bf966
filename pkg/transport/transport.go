// Package transport holds what the concrete transports share.
package transport

import (
	"errors"

	"github.com/harun/dosolink/pkg/exchange"
)

// ErrNotConnected is returned by Send while no connection is up
var ErrNotConnected = errors.New("transport not connected")

// Sink receives decoded inbound messages. *exchange.Coordinator satisfies it.
type Sink interface {
	QueueIncomingMessage(msg exchange.Message)
}
