// internal/state/memory.go
package state

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/user/vizlearn/internal/types"
)

// MemoryBackend keeps serialized sessions in process memory. State is lost on
// exit; it backs tests and the "memory" storage setting.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[types.SessionID][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[types.SessionID][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, id types.SessionID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemoryBackend) Save(_ context.Context, id types.SessionID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = slices.Clone(data)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, id types.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]types.SessionID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.SessionID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryBackend) Close() error { return nil }
