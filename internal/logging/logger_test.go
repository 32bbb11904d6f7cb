package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"citydata/internal/logging"
)

func TestCategory_FiltersDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, "info", []string{"cache"})

	l.Category(logging.Cache).Info("cache: saved snapshot")
	l.Category(logging.Validate).Info("validate: hidden")

	out := buf.String()
	assert.Contains(t, out, "cache: saved snapshot")
	assert.Contains(t, out, "category=cache")
	assert.NotContains(t, out, "hidden")
}

func TestCategory_EmptySetEnablesAll(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, "debug", nil)
	assert.True(t, l.Enabled(logging.Diff))

	l.Category(logging.Diff).Debug("diff: visible")
	assert.Contains(t, buf.String(), "diff: visible")
}

func TestCategory_NilLogger(t *testing.T) {
	var l *logging.Logger
	assert.NotPanics(t, func() { l.Category(logging.Pipeline).Info("dropped") })
}
