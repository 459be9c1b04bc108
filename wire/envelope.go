package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the framing for every message on a secure channel.
// The correlation id inside Data is chosen by the operation initiator;
// Ack requests a bare acknowledgement on receipt.
type Envelope struct {
	Type Kind    `json:"type"`
	Data Payload `json:"data"`
}

// Payload carries the per-operation correlation id and the kind-specific
// arguments.
type Payload struct {
	ID   string          `json:"id"`
	Ack  bool            `json:"ack,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewEnvelope builds an envelope for the given kind and correlation id.
// args may be nil for kinds that carry no payload; otherwise it is
// marshalled to JSON.
func NewEnvelope(kind Kind, id string, args any) (*Envelope, error) {
	env := &Envelope{Type: kind, Data: Payload{ID: id}}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s args: %w", kind, err)
		}
		env.Data.Args = raw
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for args that cannot fail to marshal
// (strings, booleans, nil). It panics on marshal failure.
func MustEnvelope(kind Kind, id string, args any) *Envelope {
	env, err := NewEnvelope(kind, id, args)
	if err != nil {
		panic(err)
	}
	return env
}

// AckEnvelope builds the bare acknowledgement for a received envelope.
func AckEnvelope(id string) *Envelope {
	return &Envelope{Type: KindAck, Data: Payload{ID: id}}
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into an envelope and verifies its shape: the
// top level carries only {type, data}, the data object only {id, ack,
// args} with a non-empty string id, and the args satisfy the declared
// kind's validator. Anything else is rejected; callers drop rejected
// input without acknowledging it.
func Decode(raw []byte) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	for key := range top {
		if key != "type" && key != "data" {
			return nil, fmt.Errorf("unexpected envelope field %q", key)
		}
	}

	var kind Kind
	if err := json.Unmarshal(top["type"], &kind); err != nil {
		return nil, fmt.Errorf("malformed envelope type: %w", err)
	}
	if !Known(kind) {
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}

	dataRaw, ok := top["data"]
	if !ok {
		return nil, fmt.Errorf("envelope missing data")
	}
	if !Validate(kind, dataRaw) {
		return nil, fmt.Errorf("invalid payload for kind %q", kind)
	}

	var payload Payload
	if err := json.Unmarshal(dataRaw, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return &Envelope{Type: kind, Data: payload}, nil
}
