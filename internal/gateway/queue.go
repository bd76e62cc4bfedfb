package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/types"
)

const defaultLaneSize = 100

var (
	ErrQueueFull    = errors.New("queue full")
	ErrQueueStopped = errors.New("queue stopped")
)

// Processor executes one run and returns its turn outcome.
type Processor func(ctx context.Context, run *Run) (*pipeline.Result, error)

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that runs within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent run processors across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Run
	laneSize  int
	semaphore *semaphore.Weighted
	processor Processor
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all session lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Run),
		laneSize:  defaultLaneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish. Runs still waiting in a lane complete with the
// context error.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the session's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.stopped {
		return ErrQueueStopped
	}
	lane, exists := q.lanes[run.SessionID]
	if !exists {
		lane = make(chan *Run, q.laneSize)
		q.lanes[run.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(run.SessionID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("%w for session %s", ErrQueueFull, run.SessionID)
	}
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This keeps strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism. The lane retires once it runs dry; the next Enqueue for the
// session opens a fresh one.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Run) {
	defer q.wg.Done()
	for {
		run, ok := <-lane
		if !ok {
			return
		}
		q.process(sessionID, run)
		if q.retire(sessionID, lane) {
			return
		}
	}
}

func (q *Queue) process(sessionID types.SessionID, run *Run) {
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		run.finish(nil, err)
		return
	}
	defer q.semaphore.Release(1)
	q.active.Add(1)
	defer q.active.Add(-1)

	run.start()
	var (
		res *pipeline.Result
		err error
	)
	if q.processor != nil {
		res, err = q.processor(q.ctx, run)
	} else {
		err = errors.New("no processor configured")
	}
	if err != nil {
		slog.Error("run failed", "run_id", string(run.ID), "session_id", string(sessionID), "error", err)
	}
	run.finish(res, err)
}

// retire drops an empty lane. Enqueue sends under q.mu, so an empty lane seen
// here stays empty.
func (q *Queue) retire(sessionID types.SessionID, lane chan *Run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(lane) > 0 {
		return false
	}
	delete(q.lanes, sessionID)
	return true
}

// laneCount returns the number of open session lanes.
func (q *Queue) laneCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Active returns the number of runs currently being processed.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn Processor) {
	q.processor = fn
}
