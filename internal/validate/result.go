package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Result is the outcome of one Validate call. It is never mutated after
// Validate returns.
type Result struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

func newResult(errs []string) Result {
	return Result{Success: len(errs) == 0, Errors: errs}
}

// ErrSchema is matched by every schema-category error value.
var ErrSchema = errors.New("schema violation")

// MissingColumnError reports a required column that is absent from the
// dataset schema.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing required column %q", e.Column)
}

// Is lets errors.Is(err, ErrSchema) match a missing column.
func (e *MissingColumnError) Is(target error) bool {
	return target == ErrSchema
}

// ValidationError is the fatal error the orchestrator raises when a stage's
// validator fails. It carries every accumulated message.
type ValidationError struct {
	Stage  string
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed for stage %s (%d errors)", e.Stage, len(e.Errors))
	for _, msg := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(msg)
	}
	return b.String()
}
