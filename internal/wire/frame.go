// Package wire implements the binary protocol of the Douyin push
// service: the PushFrame envelope carried on every websocket message,
// the gzip-compressed message batches inside data frames, and the chat
// message payload the recorder cares about.
//
// The upstream schema spans hundreds of fields across dozens of message
// types; the client reads eight of them. The codecs are therefore
// hand-rolled on protowire rather than generated: unknown fields are
// skipped, known fields are picked out by number, and nothing here ever
// panics on attacker-shaped input.
package wire

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload type tags carried in PushFrame.PayloadType.
const (
	// PayloadTypeMessage tags inbound data frames carrying a batch.
	PayloadTypeMessage = "msg"
	// PayloadTypeAck tags outbound acknowledgement frames.
	PayloadTypeAck = "ack"
	// PayloadTypeHeartbeat tags outbound keepalive frames.
	PayloadTypeHeartbeat = "hb"
)

// PushFrame field numbers on the wire.
const (
	frameFieldSeqID           = 1
	frameFieldLogID           = 2
	frameFieldService         = 3
	frameFieldMethod          = 4
	frameFieldHeaders         = 5
	frameFieldPayloadEncoding = 6
	frameFieldPayloadType     = 7
	frameFieldPayload         = 8

	headerFieldKey   = 1
	headerFieldValue = 2
)

// PushFrame is the outermost envelope of the push protocol. Every binary
// websocket message, inbound or outbound, is one serialized PushFrame.
type PushFrame struct {
	SeqID           uint64
	LogID           uint64
	Service         uint64
	Method          uint64
	Headers         []Header
	PayloadEncoding string
	PayloadType     string
	Payload         []byte
}

// Header is one key/value pair from the envelope's header list.
type Header struct {
	Key   string
	Value string
}

// DecodePushFrame parses a binary websocket message into a PushFrame.
// Fields the client does not know are skipped; a frame that fails to
// parse returns a DecodeError of kind ErrMalformed.
func DecodePushFrame(b []byte) (*PushFrame, error) {
	f := &PushFrame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("push frame tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == frameFieldSeqID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "push frame seq_id")
			if err != nil {
				return nil, err
			}
			f.SeqID = v
			b = b[n:]
		case num == frameFieldLogID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "push frame log_id")
			if err != nil {
				return nil, err
			}
			f.LogID = v
			b = b[n:]
		case num == frameFieldService && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "push frame service")
			if err != nil {
				return nil, err
			}
			f.Service = v
			b = b[n:]
		case num == frameFieldMethod && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "push frame method")
			if err != nil {
				return nil, err
			}
			f.Method = v
			b = b[n:]
		case num == frameFieldHeaders && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "push frame header")
			if err != nil {
				return nil, err
			}
			h, err := decodeHeader(v)
			if err != nil {
				return nil, err
			}
			f.Headers = append(f.Headers, h)
			b = b[n:]
		case num == frameFieldPayloadEncoding && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "push frame payload_encoding")
			if err != nil {
				return nil, err
			}
			f.PayloadEncoding = string(v)
			b = b[n:]
		case num == frameFieldPayloadType && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "push frame payload_type")
			if err != nil {
				return nil, err
			}
			f.PayloadType = string(v)
			b = b[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "push frame payload")
			if err != nil {
				return nil, err
			}
			f.Payload = bytes.Clone(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("push frame field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, malformed("header tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == headerFieldKey && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "header key")
			if err != nil {
				return h, err
			}
			h.Key = string(v)
			b = b[n:]
		case num == headerFieldValue && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "header value")
			if err != nil {
				return h, err
			}
			h.Value = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, malformed("header field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}

// EncodePushFrame serializes f. Zero-valued fields are omitted, matching
// proto3 presence rules.
func EncodePushFrame(f *PushFrame) []byte {
	var b []byte
	if f.SeqID != 0 {
		b = protowire.AppendTag(b, frameFieldSeqID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.SeqID)
	}
	if f.LogID != 0 {
		b = protowire.AppendTag(b, frameFieldLogID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.LogID)
	}
	if f.Service != 0 {
		b = protowire.AppendTag(b, frameFieldService, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Service)
	}
	if f.Method != 0 {
		b = protowire.AppendTag(b, frameFieldMethod, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Method)
	}
	for _, h := range f.Headers {
		var hb []byte
		if h.Key != "" {
			hb = protowire.AppendTag(hb, headerFieldKey, protowire.BytesType)
			hb = protowire.AppendString(hb, h.Key)
		}
		if h.Value != "" {
			hb = protowire.AppendTag(hb, headerFieldValue, protowire.BytesType)
			hb = protowire.AppendString(hb, h.Value)
		}
		b = protowire.AppendTag(b, frameFieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	if f.PayloadEncoding != "" {
		b = protowire.AppendTag(b, frameFieldPayloadEncoding, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadEncoding)
	}
	if f.PayloadType != "" {
		b = protowire.AppendTag(b, frameFieldPayloadType, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadType)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// EncodeAck builds the acknowledgement for a batch that asked for one:
// log_id matching the inbound envelope, payload type "ack", and the
// batch's internal_ext echoed back verbatim as the payload. Type tag and
// echoed extension travel in separate fields.
func EncodeAck(logID uint64, internalExt string) []byte {
	return EncodePushFrame(&PushFrame{
		LogID:       logID,
		PayloadType: PayloadTypeAck,
		Payload:     []byte(internalExt),
	})
}

// EncodeHeartbeat builds the periodic application-level keepalive frame.
func EncodeHeartbeat() []byte {
	return EncodePushFrame(&PushFrame{PayloadType: PayloadTypeHeartbeat})
}

func consumeVarint(b []byte, what string) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, malformed(what, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(b []byte, what string) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, malformed(what, protowire.ParseError(n))
	}
	return v, n, nil
}

// consumeString is consumeBytes plus UTF-8 validation, for fields that
// proto3 declares as string. A payload smuggling invalid UTF-8 into one
// is malformed, same as the reference client's string parsing treats it.
func consumeString(b []byte, what string) (string, int, error) {
	v, n, err := consumeBytes(b, what)
	if err != nil {
		return "", 0, err
	}
	if !utf8.Valid(v) {
		return "", 0, malformed(what, errors.New("invalid UTF-8 in string field"))
	}
	return string(v), n, nil
}
