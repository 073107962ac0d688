package mock

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mock or request log id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrLogIncomplete is returned when a mock is derived from a pending log.
	ErrLogIncomplete = errors.New("request log has no response yet")
)

// ValidationError reports a rejected mock field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
