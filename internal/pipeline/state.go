package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/vizlearn/internal/types"
)

// State is a step of the turn state machine.
type State string

const (
	StateLoadingContext       State = "loading_context"
	StateAppendingUserMessage State = "appending_user_message"
	StateRouting              State = "routing"
	StateDispatching          State = "dispatching"
	StateRendering            State = "rendering"
	StatePersistingResult     State = "persisting_result"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition is one state change of a turn.
type Transition struct {
	SessionID types.SessionID
	RunID     types.RunID
	From      State
	To        State
}

// Observer is notified of every transition, synchronously and in order.
type Observer func(Transition)

// sessionLocks hands out one exclusion token per session. A token is kept
// only while some turn of its session holds or waits for it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[types.SessionID]*sessionToken
}

type sessionToken struct {
	sem  *semaphore.Weighted
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[types.SessionID]*sessionToken)}
}

// acquire blocks until the session's token is free or ctx is done. The
// returned func releases the token.
func (l *sessionLocks) acquire(ctx context.Context, id types.SessionID) (func(), error) {
	l.mu.Lock()
	tok, ok := l.locks[id]
	if !ok {
		tok = &sessionToken{sem: semaphore.NewWeighted(1)}
		l.locks[id] = tok
	}
	tok.refs++
	l.mu.Unlock()

	if err := tok.sem.Acquire(ctx, 1); err != nil {
		l.put(id, tok)
		return nil, err
	}
	return func() {
		tok.sem.Release(1)
		l.put(id, tok)
	}, nil
}

func (l *sessionLocks) put(id types.SessionID, tok *sessionToken) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tok.refs--; tok.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// machine tracks the current state of one turn.
type machine struct {
	sessionID types.SessionID
	runID     types.RunID
	state     State
	observer  Observer
}

func (m *machine) to(next State) {
	t := Transition{SessionID: m.sessionID, RunID: m.runID, From: m.state, To: next}
	m.state = next
	slog.Debug("turn transition", "session_id", string(m.sessionID), "run_id", string(m.runID), "from", string(t.From), "state", string(next))
	if m.observer != nil {
		m.observer(t)
	}
}
