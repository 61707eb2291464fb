package wire

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"
)

// Ceiling on a decompressed batch. The socket caps compressed frames at
// 1 MiB; this stops a crafted gzip stream from expanding far past what
// any real batch occupies.
const maxBatchBytes = 8 << 20

// MessageBatch field numbers (wire name Response).
const (
	batchFieldMessages          = 1
	batchFieldCursor            = 2
	batchFieldFetchInterval     = 3
	batchFieldNow               = 4
	batchFieldInternalExt       = 5
	batchFieldFetchType         = 6
	batchFieldHeartbeatDuration = 8
	batchFieldNeedAck           = 9
)

// RawMessage field numbers (wire name Message).
const (
	msgFieldMethod  = 1
	msgFieldPayload = 2
	msgFieldMsgID   = 3
	msgFieldMsgType = 4
	msgFieldOffset  = 5
)

// MethodChatMessage is the inner-message method the recorder interprets.
// Every other method is counted and dropped.
const MethodChatMessage = "WebcastChatMessage"

// MessageBatch is the payload of a "msg" frame: the inner messages plus
// the cursor and acknowledgement bookkeeping the server expects back.
type MessageBatch struct {
	Messages          []RawMessage
	Cursor            string
	FetchInterval     uint64
	Now               uint64
	InternalExt       string
	FetchType         uint32
	HeartbeatDuration uint64
	NeedAck           bool
}

// RawMessage is one envelope inside a batch. The payload stays opaque
// until the method says how to decode it.
type RawMessage struct {
	Method  string
	Payload []byte
	MsgID   int64
	MsgType int32
	Offset  int64
}

// DecodeMessageBatch decompresses and parses the payload of a data
// frame. The connection is negotiated with compress=gzip, so the payload
// is always a gzip stream; a broken stream is a DecodeError of kind
// ErrDecompression, a broken protobuf one of kind ErrMalformed.
func DecodeMessageBatch(payload []byte) (*MessageBatch, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, decompression("message batch", err)
	}
	raw, err := io.ReadAll(io.LimitReader(zr, maxBatchBytes+1))
	if err != nil {
		return nil, decompression("message batch", err)
	}
	if len(raw) > maxBatchBytes {
		return nil, decompression("message batch", errors.New("decompressed payload too large"))
	}
	if err := zr.Close(); err != nil {
		return nil, decompression("message batch", err)
	}
	return decodeBatch(raw)
}

func decodeBatch(b []byte) (*MessageBatch, error) {
	batch := &MessageBatch{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("batch tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == batchFieldMessages && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "batch message")
			if err != nil {
				return nil, err
			}
			m, err := decodeRawMessage(v)
			if err != nil {
				return nil, err
			}
			batch.Messages = append(batch.Messages, m)
			b = b[n:]
		case num == batchFieldCursor && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "batch cursor")
			if err != nil {
				return nil, err
			}
			batch.Cursor = string(v)
			b = b[n:]
		case num == batchFieldFetchInterval && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "batch fetch_interval")
			if err != nil {
				return nil, err
			}
			batch.FetchInterval = v
			b = b[n:]
		case num == batchFieldNow && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "batch now")
			if err != nil {
				return nil, err
			}
			batch.Now = v
			b = b[n:]
		case num == batchFieldInternalExt && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "batch internal_ext")
			if err != nil {
				return nil, err
			}
			batch.InternalExt = string(v)
			b = b[n:]
		case num == batchFieldFetchType && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "batch fetch_type")
			if err != nil {
				return nil, err
			}
			batch.FetchType = uint32(v)
			b = b[n:]
		case num == batchFieldHeartbeatDuration && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "batch heartbeat_duration")
			if err != nil {
				return nil, err
			}
			batch.HeartbeatDuration = v
			b = b[n:]
		case num == batchFieldNeedAck && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "batch need_ack")
			if err != nil {
				return nil, err
			}
			batch.NeedAck = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("batch field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return batch, nil
}

func decodeRawMessage(b []byte) (RawMessage, error) {
	var m RawMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, malformed("message tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == msgFieldMethod && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "message method")
			if err != nil {
				return m, err
			}
			m.Method = string(v)
			b = b[n:]
		case num == msgFieldPayload && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "message payload")
			if err != nil {
				return m, err
			}
			m.Payload = bytes.Clone(v)
			b = b[n:]
		case num == msgFieldMsgID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "message msg_id")
			if err != nil {
				return m, err
			}
			m.MsgID = int64(v)
			b = b[n:]
		case num == msgFieldMsgType && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "message msg_type")
			if err != nil {
				return m, err
			}
			m.MsgType = int32(v)
			b = b[n:]
		case num == msgFieldOffset && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "message offset")
			if err != nil {
				return m, err
			}
			m.Offset = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, malformed("message field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// EncodeMessageBatch serializes and gzip-compresses a batch, the inverse
// of DecodeMessageBatch. The recorder only decodes; this direction
// exists for the fake push servers used in tests and tooling.
func EncodeMessageBatch(batch *MessageBatch) ([]byte, error) {
	raw := encodeBatch(batch)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBatch(batch *MessageBatch) []byte {
	var b []byte
	for _, m := range batch.Messages {
		b = protowire.AppendTag(b, batchFieldMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRawMessage(m))
	}
	if batch.Cursor != "" {
		b = protowire.AppendTag(b, batchFieldCursor, protowire.BytesType)
		b = protowire.AppendString(b, batch.Cursor)
	}
	if batch.FetchInterval != 0 {
		b = protowire.AppendTag(b, batchFieldFetchInterval, protowire.VarintType)
		b = protowire.AppendVarint(b, batch.FetchInterval)
	}
	if batch.Now != 0 {
		b = protowire.AppendTag(b, batchFieldNow, protowire.VarintType)
		b = protowire.AppendVarint(b, batch.Now)
	}
	if batch.InternalExt != "" {
		b = protowire.AppendTag(b, batchFieldInternalExt, protowire.BytesType)
		b = protowire.AppendString(b, batch.InternalExt)
	}
	if batch.FetchType != 0 {
		b = protowire.AppendTag(b, batchFieldFetchType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(batch.FetchType))
	}
	if batch.HeartbeatDuration != 0 {
		b = protowire.AppendTag(b, batchFieldHeartbeatDuration, protowire.VarintType)
		b = protowire.AppendVarint(b, batch.HeartbeatDuration)
	}
	if batch.NeedAck {
		b = protowire.AppendTag(b, batchFieldNeedAck, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func encodeRawMessage(m RawMessage) []byte {
	var b []byte
	if m.Method != "" {
		b = protowire.AppendTag(b, msgFieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, m.Method)
	}
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, msgFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.MsgID != 0 {
		b = protowire.AppendTag(b, msgFieldMsgID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MsgID))
	}
	if m.MsgType != 0 {
		b = protowire.AppendTag(b, msgFieldMsgType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.MsgType)))
	}
	if m.Offset != 0 {
		b = protowire.AppendTag(b, msgFieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Offset))
	}
	return b
}
