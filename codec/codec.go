// Package codec turns payload values into bytes and back.
//
// Every packet carries a one-byte format tag that tells the receiver how the
// payload bytes must be interpreted:
//
//	1 = JSON    any JSON-serializable value
//	2 = BINARY  raw bytes, passed through untouched
//	3 = TEXT    a character string
package codec

import (
	"fmt"

	"github.com/pkg/errors"
)

// Format is the payload format tag carried in every packet header.
type Format byte

const (
	FormatJSON   Format = 1
	FormatBinary Format = 2
	FormatText   Format = 3
)

// ErrUnknownFormat is returned for format tags outside 1..3.
var ErrUnknownFormat = errors.New("codec: unknown payload format")

func (f Format) Valid() bool {
	return f == FormatJSON || f == FormatBinary || f == FormatText
}

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	default:
		return fmt.Sprintf("Format(%d)", byte(f))
	}
}

// Codec encodes and decodes a payload in one format.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
	Format() Format
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
	textCodec   = &TextCodec{}
)

// GetCodec returns the codec for a format tag read off the wire.
func GetCodec(f Format) (Codec, error) {
	switch f {
	case FormatJSON:
		return jsonCodec, nil
	case FormatBinary:
		return binaryCodec, nil
	case FormatText:
		return textCodec, nil
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "format %d", byte(f))
}

// ForValue picks the codec for an outgoing payload: []byte is sent as BINARY,
// string as TEXT, everything else as JSON.
func ForValue(v any) Codec {
	switch v.(type) {
	case []byte:
		return binaryCodec
	case string:
		return textCodec
	default:
		return jsonCodec
	}
}
