package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/dosolink/pkg/exchange"
	"github.com/xeipuuv/gojsonschema"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["requestId", "type"],
  "properties": {
    "requestId": {"type": "integer", "minimum": 0},
    "type": {"type": "string", "minLength": 1, "maxLength": 128},
    "payload": {},
    "error": {"type": "string"}
  }
}`

// Codec encodes envelopes and validates inbound frames
type Codec struct {
	schema *gojsonschema.Schema
}

// NewCodec compiles the envelope schema
func NewCodec() (*Codec, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

// Encode marshals msg, which must be an *Envelope.
func (c *Codec) Encode(msg exchange.Message) ([]byte, error) {
	env, ok := msg.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("unsupported message %T", msg)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Kind, err)
	}
	return data, nil
}

// Decode validates data against the envelope schema and unmarshals it.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("invalid envelope: %s", strings.Join(problems, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
