package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is shared by every package that needs JSON on the wire. It behaves like
// encoding/json, so decoded numbers are float64 and objects map[string]any.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec serializes arbitrary values as JSON text.
// Pros: cross-language and readable. Cons: type information is lost on decode,
// the receiver gets generic maps, slices and float64s back.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return JSON.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := JSON.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *JSONCodec) Format() Format {
	return FormatJSON
}
