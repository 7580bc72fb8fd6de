package codec

import (
	"github.com/pkg/errors"
)

// BinaryCodec passes raw bytes through. Decode copies, so the returned slice
// never aliases a connection's read buffer.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errors.Errorf("BinaryCodec: v must be []byte, got %T", v)
	}
	return b, nil
}

func (c *BinaryCodec) Decode(data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *BinaryCodec) Format() Format {
	return FormatBinary
}
