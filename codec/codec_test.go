package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(map[string]any{"a": 1, "b": "two"})
	require.NoError(t, err)

	v, err := jsonCodec.Decode(data)
	require.NoError(t, err)

	// numbers come back as float64, like encoding/json
	assert.Equal(t, map[string]any{"a": float64(1), "b": "two"}, v)
}

func TestJSONCodecDecodeInvalid(t *testing.T) {
	_, err := (&JSONCodec{}).Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	original := []byte{0x00, 0x03, 0x04, 0xff}

	data, err := binaryCodec.Encode(original)
	require.NoError(t, err)

	v, err := binaryCodec.Decode(data)
	require.NoError(t, err)
	decoded := v.([]byte)
	assert.Equal(t, original, decoded)

	// Decode must copy, the caller reuses its buffer.
	data[0] = 0xaa
	assert.Equal(t, byte(0x00), decoded[0], "decoded payload aliases the input buffer")

	_, err = binaryCodec.Encode("not bytes")
	assert.Error(t, err)
}

func TestTextCodec(t *testing.T) {
	textCodec := &TextCodec{}

	data, err := textCodec.Encode("héllo / world")
	require.NoError(t, err)
	v, err := textCodec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "héllo / world", v)
}

func TestForValue(t *testing.T) {
	cases := []struct {
		v    any
		want Format
	}{
		{[]byte("raw"), FormatBinary},
		{"text", FormatText},
		{map[string]any{"k": "v"}, FormatJSON},
		{42, FormatJSON},
		{nil, FormatJSON},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ForValue(tc.v).Format(), "ForValue(%T)", tc.v)
	}
}

func TestGetCodec(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatBinary, FormatText} {
		c, err := GetCodec(f)
		require.NoError(t, err, "GetCodec(%s)", f)
		assert.Equal(t, f, c.Format())
	}

	_, err := GetCodec(Format(9))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
