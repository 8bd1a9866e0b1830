// Package wirelog wraps zerolog as an injectable connection-scoped logger,
// instead of the package-global pattern a CLI tool can get away with: wzl is
// embedded in host processes (clients and compositors) that own their own
// logging setup, so nothing here touches a global logger or os.Stdout
// implicitly.
package wirelog

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is a connection-scoped structured logger. The zero value (via New
// with a nil writer, or Noop) discards everything, so embedding wzl is
// silent by default.
type Logger struct {
	z zerolog.Logger
}

// New creates a Logger writing to w. A nil w produces a no-op logger.
func New(w io.Writer) Logger {
	if w == nil {
		return Noop()
	}
	return Logger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// Noop returns a Logger that discards all output.
func Noop() Logger {
	return Logger{z: zerolog.New(io.Discard)}
}

// With returns a derived Logger carrying an additional string field, used to
// stamp every line from one connection with its correlation id.
func (l Logger) With(key, value string) Logger {
	return Logger{z: l.z.With().Str(key, value).Logger()}
}

func (l Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l Logger) Error() *zerolog.Event { return l.z.Error() }
