// internal/types/interfaces.go
package types

import (
	"context"
)

// ContextStore owns Session Context persistence. Operations on one session
// are serialized; different sessions proceed independently.
type ContextStore interface {
	GetOrCreate(ctx context.Context, id SessionID) (*SessionContext, error)
	ApplyUpdate(ctx context.Context, id SessionID, patch ContextPatch) (*SessionContext, error)
	AppendMessage(ctx context.Context, id SessionID, role Role, content string, metadata map[string]any) (*SessionContext, error)
	// AppendTurn appends a message and applies the patch built by update in
	// one atomic write.
	AppendTurn(ctx context.Context, id SessionID, role Role, content string, metadata map[string]any, update func(c *SessionContext, msg Message) ContextPatch) (*SessionContext, error)
	Delete(ctx context.Context, id SessionID) error
	List(ctx context.Context) ([]SessionID, error)
}

// ContextBackend is the key-value persistence engine behind a ContextStore.
// Load returns ErrNotFound for an absent record.
type ContextBackend interface {
	Load(ctx context.Context, id SessionID) ([]byte, error)
	Save(ctx context.Context, id SessionID, data []byte) error
	Delete(ctx context.Context, id SessionID) error
	List(ctx context.Context) ([]SessionID, error)
	Close() error
}
