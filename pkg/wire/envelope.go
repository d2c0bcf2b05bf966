package wire

import (
	"encoding/json"
	"fmt"

	"github.com/harun/dosolink/pkg/exchange"
)

// Envelope is the JSON frame exchanged with a peer. ID is the correlation
// id and is zero for unsolicited events.
type Envelope struct {
	ID      uint64          `json:"requestId"`
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var _ exchange.Message = (*Envelope)(nil)

// NewEnvelope creates an envelope of the given type. A nil payload is omitted.
func NewEnvelope(kind string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Kind: kind}
	if payload == nil {
		return env, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// Reply creates a response envelope correlated with e.
func (e *Envelope) Reply(kind string, payload interface{}) (*Envelope, error) {
	out, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	out.ID = e.ID
	return out, nil
}

// ReplyError creates an error response correlated with e.
func (e *Envelope) ReplyError(msg string) *Envelope {
	return &Envelope{ID: e.ID, Kind: TypeError, Error: msg}
}

func (e *Envelope) RequestID() uint64 {
	return e.ID
}

func (e *Envelope) SetRequestID(id uint64) {
	e.ID = id
}

func (e *Envelope) Type() string {
	return e.Kind
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Err returns the peer-reported error, or nil.
func (e *Envelope) Err() error {
	if e.Error == "" && e.Kind != TypeError {
		return nil
	}
	return &RemoteError{RequestID: e.ID, Message: e.Error}
}

// RemoteError is an error reply sent by the peer
type RemoteError struct {
	RequestID uint64
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request %d: remote error", e.RequestID)
	}
	return fmt.Sprintf("request %d: remote error: %s", e.RequestID, e.Message)
}
