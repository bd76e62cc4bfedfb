// Package gateway is the asynchronous front door for turns. Inbound events
// from chat channels, the HTTP API and the scheduler are queued per session
// and executed by the turn pipeline under a global concurrency limit.
package gateway

import (
	"context"
	"fmt"

	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/types"
)

// Turner runs a single turn. *pipeline.Pipeline implements it.
type Turner interface {
	Run(ctx context.Context, turn pipeline.Turn) (*pipeline.Result, error)
}

// Gateway turns inbound events into queued runs.
type Gateway struct {
	turns Turner
	Queue *Queue

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway running at most maxConcurrent turns at once.
func New(turns Turner, maxConcurrent int64) *Gateway {
	g := &Gateway{turns: turns, Queue: NewQueue(maxConcurrent)}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

func (g *Gateway) process(ctx context.Context, run *Run) (*pipeline.Result, error) {
	return g.turns.Run(ctx, run.Turn())
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked with the run's outcome.
func WithOnComplete(fn func(*pipeline.Result, error)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound validates the event's session and enqueues a run for it.
func (g *Gateway) HandleInbound(_ context.Context, event *types.InboundEvent, opts ...RunOption) (*Run, error) {
	if err := event.SessionID.Validate(); err != nil {
		return nil, fmt.Errorf("inbound event from %s: %w", event.Source, err)
	}
	run := NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Do enqueues the event and waits for its outcome, so synchronous callers
// still respect per-session ordering and the global limit.
func (g *Gateway) Do(ctx context.Context, event *types.InboundEvent) (*pipeline.Result, error) {
	type outcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan outcome, 1)
	_, err := g.HandleInbound(ctx, event, WithOnComplete(func(res *pipeline.Result, err error) {
		done <- outcome{res, err}
	}))
	if err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
