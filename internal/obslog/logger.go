// Package obslog provides the thin stdlib logger wrapper used across Almanac
// components, matching the plain log.Logger + functional-option idiom used
// throughout the codebase this project was adapted from (see e.g.
// database.WithLogger).
package obslog

import (
	"fmt"
	"log"
	"os"
)

// Logger is a prefixed, leveled wrapper around the standard library logger.
type Logger struct {
	base  *log.Logger
	debug bool
}

// New creates a Logger that writes to os.Stderr with the given component
// prefix, e.g. New("storage").
func New(component string) *Logger {
	return &Logger{
		base: log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags|log.Lmicroseconds),
	}
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithDebug enables Debugf output.
func WithDebug(enabled bool) Option {
	return func(l *Logger) { l.debug = enabled }
}

// NewWithOptions constructs a Logger applying the supplied options.
func NewWithOptions(component string, opts ...Option) *Logger {
	l := New(component)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) Infof(format string, args ...any) {
	l.base.Printf("INFO "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.base.Printf("WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.base.Printf("ERROR "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}
	l.base.Printf("DEBUG "+format, args...)
}
