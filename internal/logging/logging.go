// Package logging wraps the standard library logger the way the rest of
// the corpus does: a prefixed *log.Logger writing to stdout with UTC
// timestamps, plus a Debugf that's a no-op unless the Logger was built with
// debug enabled (cmd/fleetengine enables it from the config's debug setting
// or a non-empty FLEETENGINE_DEBUG or DEBUG).
package logging

import (
	"log"
	"os"
)

// Logger adds a debug gate on top of *log.Logger.
type Logger struct {
	*log.Logger
	debug bool
}

// New builds a Logger prefixed with prefix, writing to stdout. debug
// controls whether Debugf emits anything.
func New(prefix string, debug bool) *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, prefix+" ", log.LstdFlags|log.LUTC),
		debug:  debug,
	}
}

// Debugf logs only when the logger was constructed with debug enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.Printf("[debug] "+format, args...)
}

// DebugEnabled reports FLEETENGINE_DEBUG or the legacy DEBUG env var.
func DebugEnabled() bool {
	return os.Getenv("FLEETENGINE_DEBUG") != "" || os.Getenv("DEBUG") != ""
}
