package room

import "errors"

var (
	// ErrUnavailable means the room-status endpoint answered but not
	// with a usable room payload (busy page, shape change, bad JSON).
	ErrUnavailable = errors.New("room status unavailable")
	// ErrNotFound means the endpoint reported no such room.
	ErrNotFound = errors.New("room not found")
)
