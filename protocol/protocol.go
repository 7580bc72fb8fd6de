// Package protocol implements the packet format of the stream transport.
//
// A packet is self-delimited by four reserved control bytes. The header is a
// '/'-separated text record; the payload is raw bytes interpreted per the
// format tag.
//
// Packet layout:
//
//	SOH  id / method / dataLength / format / error  STX  payload ...  ETX EOT
//	0x01 └──────────── header (text) ─────────────┘ 0x02 dataLength   0x03 0x04
//	                                                      bytes
//
// The error field is empty on success, otherwise the JSON encoding of the
// application error. The payload is located by dataLength rather than by
// searching for ETX, so binary payloads may contain any byte.
package protocol

import (
	"bytes"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"stream-rpc/codec"
	"stream-rpc/message"
)

// Reserved framing bytes.
const (
	HeaderStart     byte = 0x01 // SOH
	DataStart       byte = 0x02 // STX
	DataEnd         byte = 0x03 // ETX
	PacketEnd       byte = 0x04 // EOT
	HeaderDelimiter byte = '/'

	headerFields = 5 // id, method, dataLength, format, error
)

// reserved lists every byte that must not appear in the id or method fields.
var reserved = string([]byte{HeaderDelimiter, HeaderStart, DataStart, DataEnd, PacketEnd})

var (
	// ErrMalformedHeader: wrong field count, non-numeric length or format, unknown format.
	ErrMalformedHeader = errors.New("protocol: malformed header")
	// ErrMalformedPacket: missing markers, truncated payload, or a payload that
	// does not end where dataLength says it does.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrPayloadDecode: the JSON payload or error field could not be parsed.
	ErrPayloadDecode = errors.New("protocol: payload decode failed")
	// ErrInvalidField: an id or method contains a reserved byte.
	ErrInvalidField = errors.New("protocol: header field contains reserved byte")
)

// Header is the decoded text header of a packet.
type Header struct {
	ID         string
	Method     string
	DataLength int
	Format     codec.Format
	Error      any // nil on success
}

// Packet is one decoded packet.
type Packet struct {
	Header Header
	Data   any

	payload []byte
}

// Message returns the packet as a message envelope carrying the raw payload.
func (p *Packet) Message() *message.Message {
	return &message.Message{
		ID:      p.Header.ID,
		Method:  p.Header.Method,
		Data:    p.Data,
		Format:  p.Header.Format,
		Payload: p.payload,
	}
}

// Encode builds a packet for msg. An empty msg.ID is replaced by NewID().
// appErr is JSON-encoded into the error field; values implementing error are
// sent as their Error() string. Falsy values (nil, "", false, 0) leave the
// field empty and the packet reads as a success.
func Encode(msg *message.Message, appErr any) ([]byte, error) {
	id := msg.ID
	if id == "" {
		id = NewID()
	}
	if strings.ContainsAny(id, reserved) {
		return nil, errors.Wrapf(ErrInvalidField, "id %q", id)
	}
	if strings.ContainsAny(msg.Method, reserved) {
		return nil, errors.Wrapf(ErrInvalidField, "method %q", msg.Method)
	}

	cdc := codec.ForValue(msg.Data)
	payload, err := cdc.Encode(msg.Data)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	var errString []byte
	if e, ok := appErr.(error); ok {
		appErr = e.Error()
	}
	if !isFalsy(appErr) {
		errString, err = codec.JSON.Marshal(appErr)
		if err != nil {
			return nil, errors.Wrap(err, "encode error field")
		}
	}

	lengthField := strconv.Itoa(len(payload))
	formatField := strconv.Itoa(int(cdc.Format()))

	buf := bytes.NewBuffer(make([]byte, 0, len(id)+len(msg.Method)+len(lengthField)+len(errString)+len(payload)+10))
	buf.WriteByte(HeaderStart)
	buf.WriteString(id)
	buf.WriteByte(HeaderDelimiter)
	buf.WriteString(msg.Method)
	buf.WriteByte(HeaderDelimiter)
	buf.WriteString(lengthField)
	buf.WriteByte(HeaderDelimiter)
	buf.WriteString(formatField)
	buf.WriteByte(HeaderDelimiter)
	buf.Write(errString)
	buf.WriteByte(DataStart)
	buf.Write(payload)
	buf.WriteByte(DataEnd)
	buf.WriteByte(PacketEnd)
	return buf.Bytes(), nil
}

// Decode parses one complete packet. Bytes after the terminator are ignored.
func Decode(packet []byte) (*Packet, error) {
	soh := bytes.IndexByte(packet, HeaderStart)
	if soh < 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "missing header start")
	}
	stx := bytes.IndexByte(packet[soh+1:], DataStart)
	if stx < 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "missing data start")
	}
	stx += soh + 1

	header, errString, err := parseHeader(string(packet[soh+1 : stx]))
	if err != nil {
		return nil, err
	}

	start := stx + 1
	// Compare before adding, a huge dataLength would overflow start+DataLength.
	if header.DataLength > len(packet)-start-2 {
		return nil, errors.Wrapf(ErrMalformedPacket, "payload shorter than data length %d", header.DataLength)
	}
	end := start + header.DataLength
	if packet[end] != DataEnd || packet[end+1] != PacketEnd {
		return nil, errors.Wrapf(ErrMalformedPacket, "data length %d does not match payload", header.DataLength)
	}

	if errString != "" {
		var appErr any
		if err := codec.JSON.Unmarshal([]byte(errString), &appErr); err != nil {
			return nil, errors.Wrapf(ErrPayloadDecode, "error field: %v", err)
		}
		if !isFalsy(appErr) {
			header.Error = appErr
		}
	}

	cdc, err := codec.GetCodec(header.Format)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedHeader, err.Error())
	}
	payload := packet[start:end]
	data, err := cdc.Decode(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrPayloadDecode, "%s payload: %v", header.Format, err)
	}

	return &Packet{
		Header:  header,
		Data:    data,
		payload: append(make([]byte, 0, len(payload)), payload...),
	}, nil
}

// parseHeader splits the header record. The error field is last and is kept
// whole, so a JSON error value may contain '/'.
func parseHeader(s string) (Header, string, error) {
	fields := strings.SplitN(s, string(HeaderDelimiter), headerFields)
	if len(fields) != headerFields {
		return Header{}, "", errors.Wrapf(ErrMalformedHeader, "expect %d fields, got %d", headerFields, len(fields))
	}
	dataLength, err := strconv.Atoi(fields[2])
	if err != nil || dataLength < 0 {
		return Header{}, "", errors.Wrapf(ErrMalformedHeader, "data length %q", fields[2])
	}
	format, err := strconv.Atoi(fields[3])
	if err != nil || format > 0xff || !codec.Format(format).Valid() {
		return Header{}, "", errors.Wrapf(ErrMalformedHeader, "format %q", fields[3])
	}
	return Header{
		ID:         fields[0],
		Method:     fields[1],
		DataLength: dataLength,
		Format:     codec.Format(format),
	}, fields[4], nil
}

// isFalsy reports whether v counts as "no error": nil, the empty string,
// false or a zero number.
func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	}
	return false
}
