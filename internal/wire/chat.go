package wire

import "google.golang.org/protobuf/encoding/protowire"

// ChatMessage field numbers (WebcastChatMessage payload).
const (
	chatFieldCommon  = 1
	chatFieldUser    = 2
	chatFieldContent = 3

	userFieldID       = 1
	userFieldShortID  = 2
	userFieldNickname = 3
	userFieldLevel    = 6

	commonFieldMethod     = 1
	commonFieldMsgID      = 2
	commonFieldRoomID     = 3
	commonFieldCreateTime = 4
)

// ChatMessage is the decoded form of a WebcastChatMessage payload. Only
// the fields the subtitle writer and the status feed consume are parsed.
type ChatMessage struct {
	Common  Common
	User    User
	Content string
}

// User identifies the comment author.
type User struct {
	ID       uint64
	ShortID  uint64
	Nickname string
	Level    uint32
}

// Common carries the shared message header of webcast payloads.
type Common struct {
	Method     string
	MsgID      uint64
	RoomID     uint64
	CreateTime uint64
}

// DecodeChatMessage parses the payload of a WebcastChatMessage envelope.
func DecodeChatMessage(b []byte) (*ChatMessage, error) {
	msg := &ChatMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("chat tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == chatFieldCommon && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "chat common")
			if err != nil {
				return nil, err
			}
			c, err := decodeCommon(v)
			if err != nil {
				return nil, err
			}
			msg.Common = c
			b = b[n:]
		case num == chatFieldUser && typ == protowire.BytesType:
			v, n, err := consumeBytes(b, "chat user")
			if err != nil {
				return nil, err
			}
			u, err := decodeUser(v)
			if err != nil {
				return nil, err
			}
			msg.User = u
			b = b[n:]
		case num == chatFieldContent && typ == protowire.BytesType:
			v, n, err := consumeString(b, "chat content")
			if err != nil {
				return nil, err
			}
			msg.Content = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("chat field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return msg, nil
}

func decodeUser(b []byte) (User, error) {
	var u User
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, malformed("user tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == userFieldID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "user id")
			if err != nil {
				return u, err
			}
			u.ID = v
			b = b[n:]
		case num == userFieldShortID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "user short_id")
			if err != nil {
				return u, err
			}
			u.ShortID = v
			b = b[n:]
		case num == userFieldNickname && typ == protowire.BytesType:
			v, n, err := consumeString(b, "user nickname")
			if err != nil {
				return u, err
			}
			u.Nickname = v
			b = b[n:]
		case num == userFieldLevel && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "user level")
			if err != nil {
				return u, err
			}
			u.Level = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, malformed("user field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return u, nil
}

func decodeCommon(b []byte) (Common, error) {
	var c Common
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, malformed("common tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == commonFieldMethod && typ == protowire.BytesType:
			v, n, err := consumeString(b, "common method")
			if err != nil {
				return c, err
			}
			c.Method = v
			b = b[n:]
		case num == commonFieldMsgID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "common msg_id")
			if err != nil {
				return c, err
			}
			c.MsgID = v
			b = b[n:]
		case num == commonFieldRoomID && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "common room_id")
			if err != nil {
				return c, err
			}
			c.RoomID = v
			b = b[n:]
		case num == commonFieldCreateTime && typ == protowire.VarintType:
			v, n, err := consumeVarint(b, "common create_time")
			if err != nil {
				return c, err
			}
			c.CreateTime = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, malformed("common field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// EncodeChatMessage serializes a chat payload; tests and fake servers
// feed these through EncodeMessageBatch.
func EncodeChatMessage(msg *ChatMessage) []byte {
	var b []byte
	if cb := encodeCommon(msg.Common); len(cb) > 0 {
		b = protowire.AppendTag(b, chatFieldCommon, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	if ub := encodeUser(msg.User); len(ub) > 0 {
		b = protowire.AppendTag(b, chatFieldUser, protowire.BytesType)
		b = protowire.AppendBytes(b, ub)
	}
	if msg.Content != "" {
		b = protowire.AppendTag(b, chatFieldContent, protowire.BytesType)
		b = protowire.AppendString(b, msg.Content)
	}
	return b
}

func encodeUser(u User) []byte {
	var b []byte
	if u.ID != 0 {
		b = protowire.AppendTag(b, userFieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, u.ID)
	}
	if u.ShortID != 0 {
		b = protowire.AppendTag(b, userFieldShortID, protowire.VarintType)
		b = protowire.AppendVarint(b, u.ShortID)
	}
	if u.Nickname != "" {
		b = protowire.AppendTag(b, userFieldNickname, protowire.BytesType)
		b = protowire.AppendString(b, u.Nickname)
	}
	if u.Level != 0 {
		b = protowire.AppendTag(b, userFieldLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.Level))
	}
	return b
}

func encodeCommon(c Common) []byte {
	var b []byte
	if c.Method != "" {
		b = protowire.AppendTag(b, commonFieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, c.Method)
	}
	if c.MsgID != 0 {
		b = protowire.AppendTag(b, commonFieldMsgID, protowire.VarintType)
		b = protowire.AppendVarint(b, c.MsgID)
	}
	if c.RoomID != 0 {
		b = protowire.AppendTag(b, commonFieldRoomID, protowire.VarintType)
		b = protowire.AppendVarint(b, c.RoomID)
	}
	if c.CreateTime != 0 {
		b = protowire.AppendTag(b, commonFieldCreateTime, protowire.VarintType)
		b = protowire.AppendVarint(b, c.CreateTime)
	}
	return b
}
