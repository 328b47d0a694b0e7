// Package obs provides chronq's structured logging seam.
//
// chronq's data plane (record/segment/control/writer/reader) is a library
// and returns errors rather than logging them. Retention is the one
// component that behaves differently: an unlink failure is logged and the
// segment is retried next invocation rather than surfaced as a fatal
// error. obs gives that single seam a component-scoped zerolog.Logger
// instead of reaching for log.Printf.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger returns a zerolog.Logger tagged with component, writing to stderr.
//
// Output is newline-delimited JSON by default. Set CHRONQ_LOG_PRETTY=1 to
// get zerolog's human-readable console writer during local development.
func Logger(component string) zerolog.Logger {
	var out zerolog.ConsoleWriter

	base := zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()

	if os.Getenv("CHRONQ_LOG_PRETTY") != "" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		return base.Output(out)
	}

	return base
}
