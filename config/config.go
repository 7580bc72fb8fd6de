// Package config holds the transport settings shared by server and client.
//
// Config is a plain struct with kong tags so the CLI can embed it directly;
// library users fill it in code and call Validate.
package config

import (
	"net"
	"strconv"

	"github.com/pkg/errors"

	"stream-rpc/framer"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8300
	DefaultReadBufferSize = 64 * 1024
)

type Config struct {
	Host           string `help:"Host to listen on or connect to." default:"127.0.0.1"`
	Port           int    `help:"TCP port." default:"8300"`
	Framing        string `help:"Packet framing on the stream." enum:"delimited,length-prefixed" default:"delimited"`
	ReadBufferSize int    `help:"Bytes read from the socket per chunk." default:"65536"`
	MaxPacketSize  int    `help:"Largest packet accepted from the peer." default:"16777216"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Framing:        framer.Delimited.String(),
		ReadBufferSize: DefaultReadBufferSize,
		MaxPacketSize:  framer.DefaultMaxPacketSize,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FramingMode returns the parsed framing mode. Call Validate first.
func (c Config) FramingMode() framer.Mode {
	m, _ := framer.ParseMode(c.Framing)
	return m
}

// Validate fills zero sizes with defaults and rejects invalid values. Port 0
// is accepted and means "any free port" for a server.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("config: port %d out of range", c.Port)
	}
	if _, err := framer.ParseMode(c.Framing); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = framer.DefaultMaxPacketSize
	}
	if c.ReadBufferSize < 0 {
		return errors.Errorf("config: read buffer size %d must be positive", c.ReadBufferSize)
	}
	if c.MaxPacketSize < 0 {
		return errors.Errorf("config: max packet size %d must be positive", c.MaxPacketSize)
	}
	return nil
}
