// Package delivery routes turn results produced outside a live conversation
// (scheduled and webhook tasks) to the channel that owns the session.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/vizlearn/internal/types"
)

// Message is what a channel receives for a completed turn.
type Message struct {
	Text     string
	Artifact types.ArtifactRef
}

// Handler delivers a message to the session's channel.
type Handler func(ctx context.Context, sessionID types.SessionID, msg Message) error

// Registry routes messages to the appropriate delivery handler based on
// session id prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session ids starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching the session id.
func (r *Registry) Deliver(ctx context.Context, sessionID types.SessionID, msg Message) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(sessionID), prefix) && (handler == nil || len(prefix) > len(best)) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for session %s", sessionID)
	}
	return handler(ctx, sessionID, msg)
}
