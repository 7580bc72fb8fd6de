// Package transport wraps one stream connection for both roles.
//
// A Conn owns the connection's only reader: Serve reads chunks and feeds them to
// a Framer, which calls back with decoded packets in arrival order. Writes may
// come from any goroutine; a mutex makes each packet one contiguous write, so
// packets from concurrent senders never interleave on the wire.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──(sending mutex)──→ net.Conn ──→ peer
//	goroutine-3 ──Send──┘
//
//	Serve: net.Conn ──chunks──→ Framer ──packets──→ onPacket
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stream-rpc/framer"
	"stream-rpc/message"
	"stream-rpc/metrics"
	"stream-rpc/protocol"
	"stream-rpc/rpclog"
)

// ErrConnClosed is returned when writing to a closed Conn.
var ErrConnClosed = errors.New("transport: connection closed")

const defaultReadBufferSize = 64 * 1024

type Options struct {
	Framing        framer.Mode
	ReadBufferSize int
	MaxPacketSize  int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Conn struct {
	conn     net.Conn
	opts     Options
	framer   framer.Framer
	log      *zap.Logger
	onPacket func(*protocol.Packet)

	sending  sync.Mutex // Write lock, one packet per Write call
	closed   atomic.Bool
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// NewConn wraps conn. onPacket is called from the Serve goroutine only.
func NewConn(conn net.Conn, onPacket func(*protocol.Packet), opts Options) *Conn {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	c := &Conn{
		conn:     conn,
		opts:     opts,
		log:      rpclog.OrNop(opts.Logger).With(zap.Stringer("remote", conn.RemoteAddr())),
		onPacket: onPacket,
	}
	c.framer = framer.New(opts.Framing, c.handlePacket,
		framer.MaxPacketSize(opts.MaxPacketSize),
		framer.OnDecodeError(c.handleDecodeError),
	)
	return c
}

// Serve runs the read loop until the peer closes the stream, Close is called,
// or a read or framing error occurs. The connection is closed when Serve
// returns. A clean end of stream returns nil.
func (c *Conn) Serve() error {
	defer c.closeAndLog()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			c.opts.Metrics.BytesIn(n)
			if ferr := c.framer.Feed(buf[:n]); ferr != nil {
				c.log.Warn("framing error, closing connection", zap.Error(ferr), zap.Int("buffered", c.framer.Buffered()))
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "read")
		}
	}
}

// Send encodes msg and writes it as one packet.
func (c *Conn) Send(msg *message.Message, appErr any) error {
	packet, err := protocol.Encode(msg, appErr)
	if err != nil {
		return err
	}
	return c.Write(packet)
}

// Write frames an encoded packet and writes it. Safe for concurrent use.
func (c *Conn) Write(packet []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	data := framer.Frame(c.opts.Framing, packet)

	c.sending.Lock()
	defer c.sending.Unlock()
	n, err := c.conn.Write(data)
	c.bytesOut.Add(uint64(n))
	if err != nil {
		if c.closed.Load() {
			return ErrConnClosed
		}
		return errors.Wrap(err, "write")
	}
	c.opts.Metrics.PacketOut(n)
	return nil
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) handlePacket(p *protocol.Packet) {
	c.opts.Metrics.PacketIn()
	c.onPacket(p)
}

func (c *Conn) handleDecodeError(raw []byte, err error) {
	c.opts.Metrics.DecodeError()
	c.log.Warn("dropping undecodable packet", zap.Error(err), zap.Int("size", len(raw)))
}

func (c *Conn) closeAndLog() {
	if err := c.Close(); err != nil {
		c.log.Debug("close error", zap.Error(err))
	}
	c.log.Debug("connection closed",
		zap.String("read", humanize.Bytes(c.bytesIn.Load())),
		zap.String("written", humanize.Bytes(c.bytesOut.Load())),
	)
}
