// Package message defines the logical envelope exchanged between client and server.
//
// A Message is what the caller hands to the protocol encoder and what a server
// handler receives after decoding:
//
//   - ID:     correlation token; empty on encode means "generate one".
//   - Method: operation name, echoed verbatim on the response.
//   - Data:   payload; []byte travels as BINARY, string as TEXT, anything else as JSON.
//
// A decoded message also keeps the raw payload bytes and their format, so a
// handler can Bind the payload into a typed value without going through the
// generic decoded form (JSON numbers there are float64).
package message

import (
	"github.com/pkg/errors"

	"stream-rpc/codec"
)

type Message struct {
	ID     string
	Method string
	Data   any

	// Set on decoded messages only.
	Format  codec.Format
	Payload []byte
}

// New returns a request envelope without an id.
func New(method string, data any) *Message {
	return &Message{Method: method, Data: data}
}

// Reply builds the response envelope for m. The method and id are reused so the
// caller can correlate it.
func (m *Message) Reply(data any) *Message {
	return &Message{ID: m.ID, Method: m.Method, Data: data}
}

// Bind unmarshals the payload into v. JSON payloads are unmarshalled from the
// raw bytes. TEXT and BINARY payloads bind to *string and *[]byte, and to
// anything else as a JSON document. A message that was never decoded binds
// its Data through a JSON round trip.
func (m *Message) Bind(v any) error {
	raw := m.Payload
	if raw == nil {
		if m.Data == nil {
			return nil
		}
		b, err := codec.JSON.Marshal(m.Data)
		if err != nil {
			return errors.Wrap(err, "bind")
		}
		raw = b
	} else {
		switch m.Format {
		case codec.FormatText:
			if s, ok := v.(*string); ok {
				*s = string(raw)
				return nil
			}
		case codec.FormatBinary:
			if b, ok := v.(*[]byte); ok {
				*b = append((*b)[:0], raw...)
				return nil
			}
		}
	}
	if err := codec.JSON.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "bind %s payload to %T", m.Format, v)
	}
	return nil
}
