// internal/types/ids.go
package types

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

type SessionID string
type RunID string
type RenderID string

const maxSessionIDLen = 256

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewRenderID() RenderID {
	return RenderID(uuid.New().String())
}

// NewSessionKey derives a session id from channel coordinates, e.g.
// NewSessionKey("telegram", "42") is "telegram:42".
func NewSessionKey(parts ...string) SessionID {
	return SessionID(strings.Join(parts, ":"))
}

// Validate reports whether id is usable as a storage key: non-empty, bounded,
// and free of path separators and control characters.
func (id SessionID) Validate() error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("%w: empty session id", ErrValidation)
	}
	if len(s) > maxSessionIDLen {
		return fmt.Errorf("%w: session id longer than %d bytes", ErrValidation, maxSessionIDLen)
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%w: invalid session id %q", ErrValidation, s)
	}
	for _, r := range s {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("%w: invalid character %q in session id", ErrValidation, r)
		}
	}
	return nil
}
