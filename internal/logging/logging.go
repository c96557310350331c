// Package logging builds the prefixed loggers used across the server,
// with optional rotating file output.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log destination and rotation.
type Options struct {
	// File enables rotating file output when non-empty. Logs always go
	// to stderr as well.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Sink builds loggers sharing one destination.
type Sink struct {
	out io.Writer
}

// NewSink creates a sink. With a file configured, output tees to
// stderr and a size-rotated file.
func NewSink(opts Options) *Sink {
	var out io.Writer = os.Stderr
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}
	return &Sink{out: out}
}

// Logger returns a logger with a bracketed component prefix, e.g.
// "[gateway] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}
