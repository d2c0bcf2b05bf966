package exchange

import "time"

// Message is a protocol unit exchanged with the remote peer. The exchange only
// relies on the correlation id and the type discriminator; the payload is opaque.
// A zero RequestID marks a message that is not correlated with any request.
type Message interface {
	RequestID() uint64
	SetRequestID(id uint64)
	Type() string
}

// Transport sends messages over the underlying connection. Send must not wait
// for a reply; a returned error is treated as a failed send. Send may be
// called concurrently for a short window after Reset.
type Transport interface {
	Send(msg Message) error
	Protocol() string
}

// TimeoutSource supplies the request timeout. It is consulted when each
// outgoing message is sent, so changes only affect messages not yet sent.
type TimeoutSource interface {
	RequestTimeout() time.Duration
}

// TimeoutFunc adapts a function to TimeoutSource.
type TimeoutFunc func() time.Duration

func (f TimeoutFunc) RequestTimeout() time.Duration {
	return f()
}

// EventHandler receives inbound messages that carry no correlation id.
type EventHandler func(msg Message)

// Clock abstracts wall-clock time for timeout arming.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable pending call created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
