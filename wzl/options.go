package wzl

import (
	wlconfig "github.com/wzlgo/wzl/internal/config"
	"github.com/wzlgo/wzl/internal/wirelog"
	"github.com/wzlgo/wzl/wire"
)

type config struct {
	socketPath     string
	bounds         *wire.Bounds
	maxQueuedBytes int64
	logger         wirelog.Logger
	loadErr        error
}

func newConfig() *config {
	return &config{
		bounds: &wire.DefaultBounds,
		logger: wirelog.Noop(),
	}
}

// Option configures a Client or Server.
type Option func(*config)

// WithSocketPath overrides socket discovery/creation (§6). For a Client,
// this is the path to dial instead of resolving $XDG_RUNTIME_DIR and
// $WAYLAND_DISPLAY; for a Server, the path to listen on.
func WithSocketPath(path string) Option {
	return func(c *config) { c.socketPath = path }
}

// WithBounds overrides the default wire-format policy constants.
func WithBounds(b *wire.Bounds) Option {
	return func(c *config) { c.bounds = b }
}

// WithMaxQueuedBytes overrides the transport's outbound high-water mark.
func WithMaxQueuedBytes(n int64) Option {
	return func(c *config) { c.maxQueuedBytes = n }
}

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(l wirelog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithConfigFile loads wire-format and transport policy overrides from a
// YAML file (internal/config) and sets both the bounds and the outbound
// high-water mark from it. Options apply in the order given, so a
// WithBounds/WithMaxQueuedBytes given earlier is overwritten by the file's
// values and one given later overwrites them. A missing
// file is not an error — internal/config.Load falls back to the built-in
// defaults — but a malformed one surfaces on the next Listen/Dial call,
// since Option itself cannot return an error.
func WithConfigFile(path string) Option {
	return func(c *config) {
		loaded, err := wlconfig.Load(path)
		if err != nil {
			c.loadErr = err
			return
		}
		c.bounds = loaded.WireBounds()
		c.maxQueuedBytes = loaded.MaxQueuedBytes
	}
}
