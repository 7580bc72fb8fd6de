package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/codec"
)

func TestReply(t *testing.T) {
	req := &Message{ID: "abc", Method: "Arith.Add", Data: map[string]any{"a": 1}, Format: codec.FormatJSON, Payload: []byte(`{"a":1}`)}

	resp := req.Reply("ok")

	assert.Equal(t, &Message{ID: "abc", Method: "Arith.Add", Data: "ok"}, resp)
}

func TestNew(t *testing.T) {
	m := New("echo", []byte("x"))
	assert.Empty(t, m.ID)
	assert.Equal(t, "echo", m.Method)
}

func TestBindPayload(t *testing.T) {
	var args struct{ N int64 }
	m := &Message{Format: codec.FormatJSON, Payload: []byte(`{"N":9007199254740993}`), Data: map[string]any{"N": float64(9007199254740992)}}
	require.NoError(t, m.Bind(&args))
	assert.Equal(t, int64(9007199254740993), args.N)

	var s string
	m = &Message{Format: codec.FormatText, Payload: []byte("plain"), Data: "plain"}
	require.NoError(t, m.Bind(&s))
	assert.Equal(t, "plain", s)

	// text holding a JSON document binds to structs
	m = &Message{Format: codec.FormatText, Payload: []byte(`{"N":7}`), Data: `{"N":7}`}
	require.NoError(t, m.Bind(&args))
	assert.Equal(t, int64(7), args.N)

	var b []byte
	m = &Message{Format: codec.FormatBinary, Payload: []byte{0x00, 0x04}, Data: []byte{0x00, 0x04}}
	require.NoError(t, m.Bind(&b))
	assert.Equal(t, []byte{0x00, 0x04}, b)

	m = &Message{Format: codec.FormatText, Payload: []byte("not json"), Data: "not json"}
	assert.Error(t, m.Bind(&args))
}

func TestBindWithoutPayload(t *testing.T) {
	var args struct{ A, B int }
	require.NoError(t, New("add", map[string]any{"A": 1, "B": 2}).Bind(&args))
	assert.Equal(t, 1, args.A)
	assert.Equal(t, 2, args.B)

	require.NoError(t, New("noop", nil).Bind(&args))
}
