package codec

import (
	"github.com/pkg/errors"
)

type TextCodec struct{}

func (c *TextCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errors.Errorf("TextCodec: v must be string, got %T", v)
	}
	return []byte(s), nil
}

func (c *TextCodec) Decode(data []byte) (any, error) {
	return string(data), nil
}

func (c *TextCodec) Format() Format {
	return FormatText
}
