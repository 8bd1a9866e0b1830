// Package config loads optional bounds/policy overrides from a YAML file,
// for embedders that need to loosen the documented wire-protocol policy
// constants (§1 Non-goals excludes user-facing configuration surfaces like
// this from needing a CLI; it is a tuning file an embedder points to
// directly).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wzlgo/wzl/transport"
	"github.com/wzlgo/wzl/wire"
)

// Bounds mirrors wire.Bounds plus the transport high-water mark, so one file
// can override every policy constant a connection enforces.
type Bounds struct {
	MaxStringLen   int   `yaml:"max_string_len"`
	MaxArrayLen    int   `yaml:"max_array_len"`
	MaxMessageSize int   `yaml:"max_message_size"`
	MaxQueuedBytes int64 `yaml:"max_queued_bytes"`
}

// Load reads path and returns the overridden bounds, falling back to
// wire.DefaultBounds and transport.DefaultMaxQueuedBytes for any zero field.
// A missing file is not an error: the defaults apply unchanged.
func Load(path string) (Bounds, error) {
	b := Bounds{
		MaxStringLen:   wire.DefaultBounds.MaxStringLen,
		MaxArrayLen:    wire.DefaultBounds.MaxArrayLen,
		MaxMessageSize: wire.DefaultBounds.MaxMessageSize,
		MaxQueuedBytes: transport.DefaultMaxQueuedBytes,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return b, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if b.MaxStringLen == 0 {
		b.MaxStringLen = wire.DefaultBounds.MaxStringLen
	}
	if b.MaxArrayLen == 0 {
		b.MaxArrayLen = wire.DefaultBounds.MaxArrayLen
	}
	if b.MaxMessageSize == 0 {
		b.MaxMessageSize = wire.DefaultBounds.MaxMessageSize
	}
	if b.MaxQueuedBytes == 0 {
		b.MaxQueuedBytes = transport.DefaultMaxQueuedBytes
	}
	return b, nil
}

// WireBounds converts to *wire.Bounds for use by the codec.
func (b Bounds) WireBounds() *wire.Bounds {
	return &wire.Bounds{
		MaxStringLen:   b.MaxStringLen,
		MaxArrayLen:    b.MaxArrayLen,
		MaxMessageSize: b.MaxMessageSize,
	}
}
