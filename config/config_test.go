package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/framer"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "127.0.0.1:8300", c.Addr())
	assert.Equal(t, framer.Delimited, c.FramingMode())
}

func TestValidateFillsZeroValues(t *testing.T) {
	c := Config{Port: 9000}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultHost, c.Host)
	assert.Equal(t, DefaultReadBufferSize, c.ReadBufferSize)
	assert.Equal(t, framer.DefaultMaxPacketSize, c.MaxPacketSize)
	assert.Equal(t, framer.Delimited, c.FramingMode())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"port":        {Port: 70000},
		"negative":    {Port: -1},
		"framing":     {Port: 1, Framing: "morse"},
		"read buffer": {Port: 1, ReadBufferSize: -1},
		"max packet":  {Port: 1, MaxPacketSize: -5},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, c.Validate())
		})
	}
}

func TestAddrIPv6(t *testing.T) {
	c := Config{Host: "::1", Port: 80}
	assert.Equal(t, "[::1]:80", c.Addr())
}

func TestFramingMode(t *testing.T) {
	c := Config{Port: 1, Framing: "length-prefixed"}
	require.NoError(t, c.Validate())
	assert.Equal(t, framer.LengthPrefixed, c.FramingMode())
}
