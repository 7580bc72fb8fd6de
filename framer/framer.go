// Package framer reassembles complete packets from the chunks a stream
// connection delivers.
//
// TCP is a byte stream: one read may return half a packet, several packets, or
// the tail of one packet followed by the head of the next. A Framer keeps the
// unfinished tail ("carry-over") between chunks and emits every completed packet
// to its callback, in arrival order, before Feed returns.
//
//	chunk 1: [ packet A ][ packet B (head) ]
//	chunk 2: [ packet B (tail) ][ packet C ][ D (head)
//	                                         └── kept for chunk 3
//
// Two modes exist. Delimited scans for the EOT terminator and is the original
// wire format. LengthPrefixed puts a 4-byte big-endian length in front of each
// packet and never looks inside payload bytes.
//
// A Framer is not safe for concurrent use. Exactly one goroutine, the
// connection's reader, may call Feed.
package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"stream-rpc/protocol"
)

// Mode selects how packets are delimited on the stream.
type Mode int

const (
	Delimited Mode = iota
	LengthPrefixed
)

const (
	// LengthPrefixSize is the size of the big-endian length in LengthPrefixed mode.
	LengthPrefixSize = 4
	// DefaultMaxPacketSize bounds the carry-over buffer (16MB).
	DefaultMaxPacketSize = 16 * 1024 * 1024
)

// ErrPacketTooLarge is returned by Feed when an unfinished packet grows past
// the configured maximum. The stream cannot be resynchronized afterwards.
var ErrPacketTooLarge = errors.New("framer: packet too large")

func (m Mode) String() string {
	switch m {
	case Delimited:
		return "delimited"
	case LengthPrefixed:
		return "length-prefixed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "delimited", "":
		return Delimited, nil
	case "length-prefixed":
		return LengthPrefixed, nil
	}
	return 0, errors.Errorf("framer: unknown framing mode %q", s)
}

// Framer turns stream chunks into packets.
type Framer interface {
	// Feed consumes one chunk. Every packet completed by the chunk is decoded and
	// handed to the packet callback before Feed returns. The chunk is not
	// retained, the caller may reuse it.
	Feed(chunk []byte) error
	// Buffered returns the number of carried-over bytes.
	Buffered() int
}

type options struct {
	maxPacketSize int
	onDecodeError func(raw []byte, err error)
}

type Option func(*options)

// MaxPacketSize sets the largest packet the framer will buffer.
func MaxPacketSize(n int) Option {
	return func(o *options) {
		o.maxPacketSize = n
	}
}

// OnDecodeError sets the callback for packets that were framed but failed to
// decode. The stream stays aligned, so the framer continues with the next
// packet. Without a callback such packets are dropped.
func OnDecodeError(fn func(raw []byte, err error)) Option {
	return func(o *options) {
		o.onDecodeError = fn
	}
}

// New returns a Framer for mode that calls onPacket for every decoded packet.
func New(mode Mode, onPacket func(*protocol.Packet), opt ...Option) Framer {
	opts := options{maxPacketSize: DefaultMaxPacketSize}
	for _, o := range opt {
		o(&opts)
	}
	if opts.maxPacketSize <= 0 {
		opts.maxPacketSize = DefaultMaxPacketSize
	}
	if mode == LengthPrefixed {
		return &lengthPrefixedFramer{opts: opts, onPacket: onPacket}
	}
	return &delimitedFramer{opts: opts, onPacket: onPacket}
}

// Frame prepares an encoded packet for writing in the given mode.
func Frame(mode Mode, packet []byte) []byte {
	if mode != LengthPrefixed {
		return packet
	}
	out := make([]byte, LengthPrefixSize+len(packet))
	binary.BigEndian.PutUint32(out, uint32(len(packet)))
	copy(out[LengthPrefixSize:], packet)
	return out
}

func (o *options) deliver(raw []byte, onPacket func(*protocol.Packet)) {
	p, err := protocol.Decode(raw)
	if err != nil {
		if o.onDecodeError != nil {
			o.onDecodeError(raw, err)
		}
		return
	}
	onPacket(p)
}
