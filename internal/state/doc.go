// Package state provides the persistence layer: the session context store and
// its backends, plus file stores for rendered artifacts and scheduled tasks.
package state

import "github.com/user/vizlearn/internal/types"

// Compile-time interface compliance checks.
var _ types.ContextStore = (*ContextStore)(nil)
var _ types.ContextBackend = (*FileBackend)(nil)
var _ types.ContextBackend = (*SQLiteBackend)(nil)
var _ types.ContextBackend = (*MemoryBackend)(nil)
