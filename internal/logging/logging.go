// Package logging builds the structured loggers used across grepaid.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "GREPAID_LOG_LEVEL"

// New returns a logger writing to w, prefixed with component.
// Unknown levels fall back to info.
func New(w io.Writer, component, level string) *log.Logger {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          component,
		Level:           lvl,
	})
}

// Discard returns a logger that drops everything. Used by tests and as the
// default when a component is constructed without one.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
