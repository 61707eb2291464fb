package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks frames or embedded messages that do not parse.
	ErrMalformed = errors.New("malformed frame")
	// ErrDecompression marks batch payloads whose gzip stream is broken.
	ErrDecompression = errors.New("payload decompression failed")
)

// DecodeError reports a failure while decoding inbound data. It carries
// one of the sentinel kinds above so callers can classify with errors.Is
// and keep the connection alive on either kind.
type DecodeError struct {
	Kind    error  // ErrMalformed or ErrDecompression
	Context string // what was being decoded
	Err     error  // underlying cause, may be nil
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v: %v", e.Context, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Context, e.Kind)
}

func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(context string, err error) *DecodeError {
	return &DecodeError{Kind: ErrMalformed, Context: context, Err: err}
}

func decompression(context string, err error) *DecodeError {
	return &DecodeError{Kind: ErrDecompression, Context: context, Err: err}
}
