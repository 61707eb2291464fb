package recorder

import "errors"

var (
	// ErrRoomNotLive means the room resolved fine but nobody is
	// streaming; Start fails fast without opening a socket or a file.
	ErrRoomNotLive = errors.New("room is not live")
	// ErrRetriesExhausted is the terminal result when the reconnect
	// budget runs out.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrOutput marks a terminal failure of the output directory or
	// segment files.
	ErrOutput = errors.New("output failure")
)
