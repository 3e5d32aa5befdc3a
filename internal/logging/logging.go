// Package logging configures the process-wide zerolog logger. Standard
// output carries the engine protocol, so logs only go to stderr or a file.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Options selects the log destination and verbosity.
type Options struct {
	Debug bool
	File  string
}

// Setup installs the global logger. The returned closer releases the log
// file, if any.
func Setup(opts Options) (io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	log.Logger = New(out, opts.Debug)
	zerolog.SetGlobalLevel(Level(opts.Debug))
	return closer, nil
}

// New builds a logger writing JSON lines to out. Debug loggers carry the
// process id.
func New(out io.Writer, debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(out).Level(Level(debug)).With().Timestamp()
	if debug {
		ctx = ctx.Int("pid", unix.Getpid())
	}
	return ctx.Logger()
}

// Level maps the debug flag to a zerolog level.
func Level(debug bool) zerolog.Level {
	if debug {
		return zerolog.TraceLevel
	}
	return zerolog.InfoLevel
}

// Component returns a sub-logger of the global logger.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
