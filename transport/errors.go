// Package transport owns the unix-domain-socket connection: framed reads
// and writes, ancillary file-descriptor passing via SCM_RIGHTS, socket
// discovery for clients, and socket creation for servers.
package transport

import "errors"

var (
	ErrConnectionLost    = errors.New("transport: connection lost")
	ErrResourceExhausted = errors.New("transport: resource exhausted")
	ErrProtocolError     = errors.New("transport: unexpected ancillary data")
	ErrWouldBlock        = errors.New("transport: outbound queue full")
	ErrNoWaylandSocket   = errors.New("transport: no wayland socket found")
	ErrClosed            = errors.New("transport: closed")
)
