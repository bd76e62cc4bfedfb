// Package scheduler fires stored tasks on their cron schedules and runs
// periodic maintenance jobs such as render cache pruning.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/vizlearn/internal/state"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(task *state.Task)

type job struct {
	name     string
	schedule string
	fn       func()
}

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	jobs    []job

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// AddJob registers a maintenance job that runs on schedule for the lifetime
// of the scheduler, across reloads. Call before Start.
func (s *Scheduler) AddJob(name, schedule string, fn func()) error {
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobs = append(s.jobs, job{name: name, schedule: schedule, fn: fn})
	return nil
}

// Start registers maintenance jobs and enabled scheduled tasks, then starts
// the cron ticker.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.schedule, j.fn); err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		_, err := s.cron.AddFunc(task.Schedule, func() {
			slog.Info("cron firing task", "name", task.Name, "session_id", string(task.SessionID))
			s.handler(task)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.Stop()
	s.mu.Lock()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()
	return s.Start()
}

// Stop stops the cron ticker and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
