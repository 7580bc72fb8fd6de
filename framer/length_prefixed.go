package framer

import (
	"encoding/binary"

	"stream-rpc/protocol"
)

// lengthPrefixedFramer reads a 4-byte big-endian length, then exactly that
// many packet bytes.
type lengthPrefixedFramer struct {
	opts     options
	onPacket func(*protocol.Packet)
	left     []byte
}

func (f *lengthPrefixedFramer) Feed(chunk []byte) error {
	data := chunk
	if len(f.left) > 0 {
		f.left = append(f.left, chunk...)
		data = f.left
	}

	for len(data) >= LengthPrefixSize {
		n := binary.BigEndian.Uint32(data)
		if uint64(n) > uint64(f.opts.maxPacketSize) {
			return ErrPacketTooLarge
		}
		size := LengthPrefixSize + int(n)
		if len(data) < size {
			break
		}
		f.opts.deliver(data[LengthPrefixSize:size], f.onPacket)
		data = data[size:]
	}

	// data may alias f.left; append copies with memmove semantics.
	f.left = append(f.left[:0], data...)
	return nil
}

func (f *lengthPrefixedFramer) Buffered() int {
	return len(f.left)
}
