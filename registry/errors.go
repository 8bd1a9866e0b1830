package registry

import "errors"

var (
	ErrGlobalNotFound    = errors.New("registry: global not found")
	ErrInterfaceMismatch = errors.New("registry: interface name mismatch")
)
