package framer

import (
	"bytes"

	"stream-rpc/protocol"
)

// delimitedFramer splits the stream on the EOT byte.
//
// A binary payload that itself contains EOT is cut short in this mode; decode
// then fails on the length check and the fragments are reported through
// OnDecodeError. Use LengthPrefixed for arbitrary binary payloads.
type delimitedFramer struct {
	opts     options
	onPacket func(*protocol.Packet)
	left     []byte
}

func (f *delimitedFramer) Feed(chunk []byte) error {
	start := 0
	for start < len(chunk) {
		// Scan from the byte after the previous terminator, never from the
		// start of the chunk.
		i := bytes.IndexByte(chunk[start:], protocol.PacketEnd)
		if i < 0 {
			break
		}
		end := start + i + 1

		packet := chunk[start:end]
		if len(f.left) > 0 {
			// Only the first packet of a chunk can own the carry-over.
			if len(f.left)+len(packet) > f.opts.maxPacketSize {
				return ErrPacketTooLarge
			}
			packet = append(f.left, packet...)
		}
		f.opts.deliver(packet, f.onPacket)
		// Decode copies everything it keeps, the buffer can be reused.
		f.left = f.left[:0]
		start = end
	}

	if start < len(chunk) {
		if len(f.left)+len(chunk)-start > f.opts.maxPacketSize {
			return ErrPacketTooLarge
		}
		f.left = append(f.left, chunk[start:]...)
	}
	return nil
}

func (f *delimitedFramer) Buffered() int {
	return len(f.left)
}
