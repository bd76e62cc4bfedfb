// internal/state/task.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/vizlearn/internal/types"
)

// Task is a named prompt run as a turn in a session, either on a cron
// schedule or on demand through the webhook endpoint.
type Task struct {
	Name      string          `json:"name"`
	Prompt    string          `json:"prompt"`
	Schedule  string          `json:"schedule,omitempty"`
	SessionID types.SessionID `json:"session_id"`
	Provider  string          `json:"provider,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
}

var ErrTaskNotFound = errors.New("task not found")

// TaskStore keeps tasks in a single JSON file.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks; an absent file is an empty list.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Add stores a new task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if task.Name == "" || task.Prompt == "" {
		return fmt.Errorf("task name and prompt are required")
	}
	if err := task.SessionID.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("task already exists: %s", task.Name)
		}
		return append(tasks, task), nil
	})
}

func (s *TaskStore) Remove(name string) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.update(name, func(t *Task) { t.Enabled = enabled })
}

// MarkRun records the time a task last fired.
func (s *TaskStore) MarkRun(name string, at time.Time) error {
	return s.update(name, func(t *Task) { t.LastRunAt = &at })
}

func (s *TaskStore) update(name string, fn func(*Task)) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
		}
		fn(tasks[i])
		return tasks, nil
	})
}

// mutate runs a read-modify-write cycle on the task file under the write lock.
func (s *TaskStore) mutate(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	return s.save(tasks)
}

func indexOf(tasks []*Task, name string) int {
	for i, t := range tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
