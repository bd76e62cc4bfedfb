// internal/state/file.go
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/user/vizlearn/internal/types"
)

const contextFile = "context.json"

// FileBackend stores each session as sessions/<id>/context.json under root.
type FileBackend struct {
	root string
}

// NewFileBackend creates a file-backed persistence engine rooted at root.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: root}
}

func (f *FileBackend) sessionsDir() string {
	return filepath.Join(f.root, "sessions")
}

func (f *FileBackend) contextPath(id types.SessionID) string {
	return filepath.Join(f.sessionsDir(), string(id), contextFile)
}

func (f *FileBackend) Load(_ context.Context, id types.SessionID) ([]byte, error) {
	data, err := os.ReadFile(f.contextPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("read context file: %w", err)
	}
	return data, nil
}

func (f *FileBackend) Save(_ context.Context, id types.SessionID, data []byte) error {
	if err := writeFileAtomic(f.contextPath(id), data); err != nil {
		return fmt.Errorf("write context file: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, id types.SessionID) error {
	if err := os.RemoveAll(filepath.Join(f.sessionsDir(), string(id))); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (f *FileBackend) List(_ context.Context) ([]types.SessionID, error) {
	entries, err := os.ReadDir(f.sessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []types.SessionID{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	ids := make([]types.SessionID, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(f.sessionsDir(), entry.Name(), contextFile)); err != nil {
			continue
		}
		ids = append(ids, types.SessionID(entry.Name()))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *FileBackend) Close() error { return nil }
