// internal/state/context.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/vizlearn/internal/types"
)

// ContextStore implements types.ContextStore on top of a key-value backend.
// Every operation is a load-modify-validate-save cycle under a per-session
// mutex; a record that fails validation is never written.
type ContextStore struct {
	backend types.ContextBackend
	now     func() time.Time

	mu    sync.Mutex
	locks map[types.SessionID]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewContextStore creates a store persisting through backend.
func NewContextStore(backend types.ContextBackend) *ContextStore {
	return &ContextStore{
		backend: backend,
		now:     time.Now,
		locks:   make(map[types.SessionID]*sessionLock),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *ContextStore) SetClock(now func() time.Time) {
	s.now = now
}

// lock takes the session mutex and returns its release. An entry lives only
// while some operation on the session holds or waits for it.
func (s *ContextStore) lock(id types.SessionID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// load reads and decodes the session record. Caller must hold the session lock.
func (s *ContextStore) load(ctx context.Context, id types.SessionID) (*types.SessionContext, bool, error) {
	data, err := s.backend.Load(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read session %s: %v", types.ErrSessionLoad, id, err)
	}

	var c types.SessionContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false, fmt.Errorf("%w: decode session %s: %v", types.ErrSessionLoad, id, err)
	}
	if c.SessionID != id {
		return nil, false, fmt.Errorf("%w: record for %s holds session %s", types.ErrSessionLoad, id, c.SessionID)
	}
	return &c, true, nil
}

// loadOrCreate returns the stored context or a fresh unsaved one.
func (s *ContextStore) loadOrCreate(ctx context.Context, id types.SessionID) (*types.SessionContext, bool, error) {
	c, found, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return types.NewSessionContext(id, s.now()), false, nil
	}
	return c, true, nil
}

func (s *ContextStore) save(ctx context.Context, c *types.SessionContext) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: encode session %s: %v", types.ErrSessionLoad, c.SessionID, err)
	}
	if err := s.backend.Save(ctx, c.SessionID, data); err != nil {
		return fmt.Errorf("%w: write session %s: %v", types.ErrSessionLoad, c.SessionID, err)
	}
	return nil
}

// touch bumps updated_at, never moving it backwards.
func (s *ContextStore) touch(c *types.SessionContext) {
	now := s.now().UTC()
	if now.Before(c.UpdatedAt) {
		now = c.UpdatedAt
	}
	c.UpdatedAt = now
}

// GetOrCreate loads a session, creating and persisting an empty one if absent.
func (s *ContextStore) GetOrCreate(ctx context.Context, id types.SessionID) (*types.SessionContext, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	defer s.lock(id)()

	c, found, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := s.save(ctx, c); err != nil {
			return nil, err
		}
		slog.Debug("session created", "session_id", string(id))
	}
	return c, nil
}

// ApplyUpdate merges patch into the session and persists the result if it
// still validates.
func (s *ContextStore) ApplyUpdate(ctx context.Context, id types.SessionID, patch types.ContextPatch) (*types.SessionContext, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	defer s.lock(id)()

	c, _, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.ApplyTo(c)
	s.touch(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AppendMessage appends one message stamped with the current time, clamped so
// timestamps never decrease within a session.
func (s *ContextStore) AppendMessage(ctx context.Context, id types.SessionID, role types.Role, content string, metadata map[string]any) (*types.SessionContext, error) {
	return s.AppendTurn(ctx, id, role, content, metadata, nil)
}

// AppendTurn appends a message like AppendMessage and, when update is non-nil,
// merges the patch it builds from the updated context in the same save. Either
// both changes are persisted or neither is.
func (s *ContextStore) AppendTurn(ctx context.Context, id types.SessionID, role types.Role, content string, metadata map[string]any, update func(c *types.SessionContext, msg types.Message) types.ContextPatch) (*types.SessionContext, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, &types.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	defer s.lock(id)()

	c, _, err := s.loadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}

	ts := s.now().UTC()
	if last := c.LastMessage(); last != nil && ts.Before(last.Timestamp) {
		ts = last.Timestamp
	}
	if ts.Before(c.CreatedAt) {
		ts = c.CreatedAt
	}
	msg := types.Message{
		Role:      role,
		Content:   content,
		Timestamp: ts,
		Metadata:  metadata,
	}
	c.Messages = append(c.Messages, msg)
	if update != nil {
		update(c, msg).ApplyTo(c)
	}
	s.touch(c)
	if c.UpdatedAt.Before(ts) {
		c.UpdatedAt = ts
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes all state for the session. Deleting an absent session is not an error.
func (s *ContextStore) Delete(ctx context.Context, id types.SessionID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	defer s.lock(id)()

	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all stored sessions.
func (s *ContextStore) List(ctx context.Context) ([]types.SessionID, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}
