// Package wire implements the Wayland wire format: message framing, typed
// argument encoding/decoding, and the interface/method descriptors that
// give opcodes their shape.
package wire

import "errors"

// Local input errors: caller mistakes, surfaced synchronously.
var (
	ErrInvalidObject   = errors.New("wire: invalid object id")
	ErrInvalidArgument = errors.New("wire: invalid argument")
)

// Protocol errors: peer misbehavior, fatal to the connection.
var (
	ErrMalformedMessage    = errors.New("wire: malformed message")
	ErrMissingFD           = errors.New("wire: missing file descriptor")
	ErrStringNotTerminated = errors.New("wire: string not null-terminated")
	ErrUnexpectedEOF       = errors.New("wire: unexpected end of message")
)
