package transport

import (
	"sync"
	"syscall"
)

// OwnedFD is a file descriptor with close-once semantics. Once Recv hands an
// OwnedFD to a caller, the caller must either Take() it (transferring
// ownership out, e.g. into an *os.File) or Close() it explicitly — there is
// no finalizer backstop, so an OwnedFD neither taken nor closed leaks its fd.
// The dispatch engine's own handler-dispatch path closes every OwnedFD its
// handler did not consume (Design Notes: fd lifetime).
type OwnedFD struct {
	mu     sync.Mutex
	fd     int
	taken  bool
	closed bool
}

// NewOwnedFD wraps fd for close-once ownership tracking.
func NewOwnedFD(fd int) *OwnedFD {
	return &OwnedFD{fd: fd}
}

// Take returns the raw fd and marks it as transferred to the caller, who
// now owns its lifetime. After Take, Close is a no-op: the caller is
// expected to close it themselves (typically via os.NewFile).
func (o *OwnedFD) Take() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taken = true
	return o.fd
}

// Close closes the fd unless it has already been taken or closed.
func (o *OwnedFD) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.taken || o.closed || o.fd < 0 {
		return nil
	}
	o.closed = true
	return syscall.Close(o.fd)
}
