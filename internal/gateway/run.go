package gateway

import (
	"time"

	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one queued turn for a session.
type Run struct {
	ID        types.RunID
	SessionID types.SessionID
	Event     *types.InboundEvent
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Result    *pipeline.Result
	Error     error
	// OnComplete is called once with the turn outcome, from the lane goroutine.
	OnComplete func(res *pipeline.Result, err error)
}

// NewRun creates a Run in the Queued state for the given event.
func NewRun(event *types.InboundEvent) *Run {
	return &Run{
		ID:        types.NewRunID(),
		SessionID: event.SessionID,
		Event:     event,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

// Turn is the pipeline input for this run.
func (r *Run) Turn() pipeline.Turn {
	return pipeline.Turn{SessionID: r.SessionID, Text: r.Event.Text, Provider: r.Event.Provider}
}

func (r *Run) start() {
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(res *pipeline.Result, err error) {
	now := time.Now()
	r.EndedAt = &now
	r.Result = res
	r.Error = err
	r.Status = RunStatusComplete
	if err != nil {
		r.Status = RunStatusFailed
	}
	if r.OnComplete != nil {
		r.OnComplete(res, err)
	}
}
