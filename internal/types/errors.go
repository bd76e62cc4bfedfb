// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionLoad means persisted session state could not be read or written.
	ErrSessionLoad = errors.New("session load failed")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrNoProviderAvailable = errors.New("no provider available")
	ErrProviderTimeout     = errors.New("provider timed out")
	ErrMalformedSpec       = errors.New("malformed visualization spec")

	ErrRender        = errors.New("render failed")
	ErrRenderTimeout = fmt.Errorf("%w: timed out", ErrRender)

	// ErrNotFound is returned by backends for a missing record.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a single schema violation in a session context.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
