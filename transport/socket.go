//go:build linux

package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ClientSocketPath resolves the socket path a client should dial, per §6:
// $XDG_RUNTIME_DIR/$WAYLAND_DISPLAY, defaulting the display name to
// "wayland-0". An absolute WAYLAND_DISPLAY is used as-is.
func ClientSocketPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR not set", ErrNoWaylandSocket)
	}

	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}

	if filepath.IsAbs(display) {
		return display, nil
	}
	return filepath.Join(runtimeDir, display), nil
}

// Listen creates a unix socket listener at path with owner-only permissions,
// for a process acting as a compositor (server role). If path is empty, it
// is derived the same way ClientSocketPath resolves a client's target.
func Listen(path string) (*net.UnixListener, error) {
	if path == "" {
		var err error
		path, err = ClientSocketPath()
		if err != nil {
			return nil, err
		}
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", path, err)
	}

	// Remove a stale socket file left behind by a crashed prior instance.
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o700); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("transport: chmod %s: %w", path, err)
	}

	return ln, nil
}
