package wire

// Bounds holds the policy constants the codec enforces. The wire format
// itself does not mandate these limits, but a real compositor or client
// must pick something finite; these defaults match the values historically
// used by libwayland and are documented here rather than hard-coded so an
// embedder can loosen them deliberately.
type Bounds struct {
	// MaxStringLen is the largest permitted string argument, in bytes,
	// including the NUL terminator.
	MaxStringLen int

	// MaxArrayLen is the largest permitted array argument, in bytes.
	MaxArrayLen int

	// MaxMessageSize is the largest permitted total message size
	// (header + arguments), in bytes. Must fit in the 16-bit size field.
	MaxMessageSize int
}

// DefaultBounds are the policy constants from the wire format specification.
var DefaultBounds = Bounds{
	MaxStringLen:   4096,
	MaxArrayLen:    65536,
	MaxMessageSize: 65535,
}
