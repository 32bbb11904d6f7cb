package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log categories used across the pipeline.
const (
	Pipeline = "pipeline"
	Validate = "validate"
	Cache    = "cache"
	Diff     = "diff"
	Source   = "source"
	Alert    = "alert"
	Service  = "service"
	MCP      = "mcp"
)

// Logger hands out per-category entries. Categories outside the enabled set
// log to a discard sink so callers never check before logging.
type Logger struct {
	base    *logrus.Logger
	muted   *logrus.Logger
	enabled map[string]bool
}

// New builds a Logger writing to w at the given level. An empty category
// list enables every category.
func New(w io.Writer, level string, categories []string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableQuote: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	}

	muted := logrus.New()
	muted.SetOutput(io.Discard)

	var enabled map[string]bool
	if len(categories) > 0 {
		enabled = make(map[string]bool, len(categories))
		for _, c := range categories {
			enabled[strings.ToLower(strings.TrimSpace(c))] = true
		}
	}
	return &Logger{base: base, muted: muted, enabled: enabled}
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(io.Discard, "panic", nil)
}

// Enabled reports whether a category is switched on.
func (l *Logger) Enabled(category string) bool {
	return l.enabled == nil || l.enabled[category]
}

// Category returns the entry for one category.
func (l *Logger) Category(category string) *logrus.Entry {
	if l == nil {
		return Discard().Category(category)
	}
	if !l.Enabled(category) {
		return logrus.NewEntry(l.muted)
	}
	return l.base.WithField("category", category)
}
