package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no reply arrives before the request deadline
	ErrTimeout = errors.New("request timed out")

	// ErrTransportSend is returned when the transport fails to send a request
	ErrTransportSend = errors.New("transport send failed")

	// ErrReset is returned for requests still pending when the coordinator is reset
	ErrReset = errors.New("exchange reset")

	// ErrClosed is returned for requests issued to or pending on a closed coordinator
	ErrClosed = errors.New("exchange closed")

	// ErrDuplicateID is returned when a correlation id is already pending
	ErrDuplicateID = errors.New("duplicate correlation id")

	// ErrUnknownCorrelation marks a reply whose correlation id has no pending request
	ErrUnknownCorrelation = errors.New("unknown correlation id")
)

// RequestError reports why a request failed. Kind is one of the package
// sentinel errors; Err holds the underlying cause, if any.
type RequestError struct {
	ID   uint64
	Kind error
	Err  error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %d: %v: %v", e.ID, e.Kind, e.Err)
	}
	return fmt.Sprintf("request %d: %v", e.ID, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *RequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newRequestError(id uint64, kind, cause error) *RequestError {
	return &RequestError{ID: id, Kind: kind, Err: cause}
}
