package events

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var ErrMalformed = errors.New("malformed event")

type envelope struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Encode renders e as {"type": ..., "payload": {...}}.
func Encode(e Event) ([]byte, error) {
	payload, err := EncodePayload(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: string(e.Type()), Payload: payload})
}

// EncodePayload renders only the payload object of e.
func EncodePayload(e Event) ([]byte, error) {
	if u, ok := e.(Unknown); ok {
		if len(u.Payload) == 0 {
			return []byte("{}"), nil
		}
		return u.Payload, nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}
	return payload, nil
}

// Decode parses a bus message body into its event variant.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return DecodePayload(Type(env.Type), env.Payload)
}

// DecodePayload builds the variant for t from its payload object.
func DecodePayload(t Type, payload []byte) (Event, error) {
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	switch t {
	case TypeLoanCreated:
		var e LoanCreated
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
		}
		return e, nil
	case TypeLoanReturned:
		var e LoanReturned
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
		}
		return e, nil
	case TypeLoanOverdue:
		var e LoanOverdue
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
		}
		return e, nil
	default:
		u := Unknown{Name: string(t), Payload: append([]byte(nil), payload...)}
		// best effort: unknown events may still carry loan fields
		_ = json.Unmarshal(payload, &u.Ref)
		return u, nil
	}
}
