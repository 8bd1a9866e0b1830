// Package dispatch implements the per-connection dispatch engine: decoding
// inbound messages, routing them to registered handlers by interface and
// opcode, encoding and sending outbound requests/events, and the
// sync/roundtrip protocol built on wl_display.
package dispatch

import "errors"

var (
	ErrNoHandler     = errors.New("dispatch: no handler registered for interface/opcode")
	ErrUnknownObject = errors.New("dispatch: message targets an unknown object")
	ErrBadOpcode     = errors.New("dispatch: opcode out of range for interface")
	ErrAlreadyClosed = errors.New("dispatch: engine already closed")
)
