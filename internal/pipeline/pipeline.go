// Package pipeline runs one conversational turn: load the session, record the
// user message, ask a provider, render any requested visualization and persist
// the outcome. Turns of one session run one at a time; sessions run in
// parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/user/vizlearn/internal/provider"
	"github.com/user/vizlearn/internal/render"
	"github.com/user/vizlearn/internal/rendercache"
	"github.com/user/vizlearn/internal/types"
)

const (
	DefaultProviderTimeout = 2 * time.Minute
	DefaultRenderTimeout   = 5 * time.Minute
	DefaultRenderHistory   = 50

	degradedNote = "The visualization could not be created"
)

// Router is the provider side of a turn. provider.Router implements it.
type Router interface {
	Available() []string
	Route(ctx context.Context, name string, history []types.Message, summary types.ContextSummary) (*provider.Response, error)
}

// Options tunes a Pipeline. Zero values select the defaults.
type Options struct {
	ProviderTimeout time.Duration
	RenderTimeout   time.Duration
	// RenderHistory bounds ui render history; negative disables it.
	RenderHistory int
	Observer      Observer
}

// Pipeline executes turns against a context store.
type Pipeline struct {
	store     types.ContextStore
	router    Router
	renderers *render.Registry
	cache     *rendercache.Cache
	opts      Options
	locks     *sessionLocks
}

// New creates a pipeline. cache may be nil, in which case every render runs.
func New(store types.ContextStore, router Router, renderers *render.Registry, cache *rendercache.Cache, opts Options) *Pipeline {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = DefaultRenderTimeout
	}
	if opts.RenderHistory == 0 {
		opts.RenderHistory = DefaultRenderHistory
	}
	if renderers == nil {
		renderers = render.NewRegistry()
	}
	return &Pipeline{
		store:     store,
		router:    router,
		renderers: renderers,
		cache:     cache,
		opts:      opts,
		locks:     newSessionLocks(),
	}
}

// Turn is the input of one turn.
type Turn struct {
	SessionID types.SessionID
	Text      string
	// Provider names the preferred provider; empty or unknown names fall back
	// to the first configured one.
	Provider string
}

// Result is the outcome of a completed turn.
type Result struct {
	SessionID types.SessionID `json:"session_id"`
	RunID     types.RunID     `json:"run_id"`
	// HistoryDelta is the assistant message this turn appended.
	HistoryDelta types.Message     `json:"history_delta"`
	Explanation  string            `json:"explanation"`
	Artifact     types.ArtifactRef `json:"artifact"`
	Spec         *types.VizSpec    `json:"spec,omitempty"`
	// Degraded is set when a visualization was requested but not produced.
	Degraded bool  `json:"degraded"`
	State    State `json:"state"`
}

// TurnError is a turn that reached Failed. Message is safe to show the user.
type TurnError struct {
	State   State
	Err     error
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s: %v", e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Run executes one turn. Only session load failures, missing providers and
// provider errors fail the turn; render failures degrade the explanation.
func (p *Pipeline) Run(ctx context.Context, turn Turn) (*Result, error) {
	m := &machine{sessionID: turn.SessionID, runID: types.NewRunID(), observer: p.opts.Observer}

	release, err := p.locks.acquire(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", turn.SessionID, err)
	}
	defer release()

	m.to(StateLoadingContext)
	if _, err := p.store.GetOrCreate(ctx, turn.SessionID); err != nil {
		return nil, p.fail(m, StateLoadingContext, err, "Your session could not be loaded. Please try again later.")
	}
	if len(p.router.Available()) == 0 {
		m.to(StateRouting)
		return nil, p.fail(m, StateRouting, types.ErrNoProviderAvailable, "No language model provider is configured.")
	}

	m.to(StateAppendingUserMessage)
	sc, err := p.store.AppendMessage(ctx, turn.SessionID, types.RoleUser, turn.Text, nil)
	if err != nil {
		if !errors.Is(err, types.ErrSessionLoad) && !errors.Is(err, types.ErrValidation) {
			err = fmt.Errorf("%w: %v", types.ErrSessionLoad, err)
		}
		return nil, p.fail(m, StateAppendingUserMessage, err, "Your message could not be saved. Please try again later.")
	}

	m.to(StateRouting)
	resp, err := p.route(ctx, turn.Provider, sc)
	if err != nil {
		return nil, p.fail(m, StateRouting, err, routingMessage(err))
	}

	m.to(StateDispatching)
	res := &Result{
		SessionID:   turn.SessionID,
		RunID:       m.runID,
		Explanation: explanation(resp),
		Artifact:    types.NoArtifact(),
		Spec:        resp.Spec,
	}
	if spec := resp.Spec; spec != nil && spec.Type != types.SpecTextOnly {
		switch r, ok := p.renderers.Lookup(spec.Type); {
		case !spec.Type.Known():
			slog.Warn("unknown visualization type", "session_id", string(turn.SessionID), "spec_type", string(spec.Type))
			res.Explanation = fmt.Sprintf("LLM requested unknown visualization type: %s. %s", spec.Type, res.Explanation)
		case !ok:
			slog.Warn("no renderer for visualization type", "session_id", string(turn.SessionID), "spec_type", string(spec.Type))
			res.Explanation = degrade(res.Explanation, fmt.Sprintf("%s rendering is not enabled", spec.Type))
			res.Degraded = true
		default:
			m.to(StateRendering)
			artifact, err := p.render(ctx, r, spec)
			if err != nil {
				slog.Error("render failed", "session_id", string(turn.SessionID), "spec_type", string(spec.Type), "error", err)
				res.Explanation = degrade(res.Explanation, renderReason(err))
				res.Degraded = true
			} else {
				res.Artifact = artifact
			}
		}
	}

	m.to(StatePersistingResult)
	msg, err := p.persist(ctx, turn.SessionID, res)
	if err != nil {
		return nil, p.fail(m, StatePersistingResult, err, "The answer could not be saved. Please try again later.")
	}
	res.HistoryDelta = msg

	m.to(StateDone)
	res.State = StateDone
	slog.Info("turn complete",
		"session_id", string(turn.SessionID),
		"run_id", string(m.runID),
		"spec_type", specType(res.Spec),
		"artifact", res.Artifact.Kind,
		"degraded", res.Degraded,
	)
	return res, nil
}

func (p *Pipeline) fail(m *machine, at State, err error, message string) error {
	m.to(StateFailed)
	slog.Error("turn failed", "session_id", string(m.sessionID), "run_id", string(m.runID), "state", string(at), "error", err)
	return &TurnError{State: at, Err: err, Message: message}
}

func (p *Pipeline) route(ctx context.Context, name string, sc *types.SessionContext) (*provider.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProviderTimeout)
	defer cancel()

	resp, err := p.router.Route(ctx, name, sc.Messages, sc.Summary())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrProviderTimeout) {
			err = fmt.Errorf("%w: %v", types.ErrProviderTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, nil
}

func (p *Pipeline) render(ctx context.Context, r render.Renderer, spec *types.VizSpec) (types.ArtifactRef, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RenderTimeout)
	defer cancel()

	fn := func(ctx context.Context) (types.ArtifactRef, error) {
		return r.Render(ctx, spec.Content)
	}
	var (
		artifact types.ArtifactRef
		err      error
	)
	if p.cache != nil {
		artifact, err = p.cache.GetOrRender(ctx, spec.Type, spec.Content, fn)
	} else {
		artifact, err = fn(ctx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrRenderTimeout) {
			err = fmt.Errorf("%w: %v", types.ErrRenderTimeout, err)
		}
		return types.NoArtifact(), err
	}
	return artifact, nil
}

// persist appends the assistant message and records the turn's spec and
// artifact in one write. The spec and artifact are replaced even when
// rendering degraded.
func (p *Pipeline) persist(ctx context.Context, id types.SessionID, res *Result) (types.Message, error) {
	meta := map[string]any{"run_id": string(res.RunID)}
	if res.Spec != nil {
		meta["spec_type"] = string(res.Spec.Type)
	}
	if !res.Artifact.IsEmpty() {
		meta["artifact_kind"] = string(res.Artifact.Kind)
		meta["artifact_ref"] = res.Artifact.Ref
	}
	if res.Degraded {
		meta["degraded"] = true
	}

	sc, err := p.store.AppendTurn(ctx, id, types.RoleAssistant, res.Explanation, meta, func(sc *types.SessionContext, msg types.Message) types.ContextPatch {
		patch := types.ContextPatch{
			LastVisualizationSpec: types.Some(res.Spec),
			LastRenderOutput:      types.Some(res.Artifact),
		}
		if res.Artifact.IsEmpty() {
			return patch
		}
		renderID := types.NewRenderID()
		patch.UIState = &types.UIStatePatch{ActiveRenderID: types.Some(renderID)}
		if p.opts.RenderHistory > 0 {
			history := append(slices.Clone(sc.RenderHistory), types.RenderRecord{
				RenderID: renderID,
				Type:     res.Spec.Type,
				Artifact: res.Artifact,
				At:       msg.Timestamp,
			})
			if extra := len(history) - p.opts.RenderHistory; extra > 0 {
				history = history[extra:]
			}
			patch.RenderHistory = types.Some(history)
		}
		return patch
	})
	if err != nil {
		return types.Message{}, err
	}
	return *sc.LastMessage(), nil
}

// explanation prefers the spec's own explanation over the prose around it.
func explanation(resp *provider.Response) string {
	if resp.Spec != nil && strings.TrimSpace(resp.Spec.Explanation) != "" {
		return resp.Spec.Explanation
	}
	return resp.Text
}

func degrade(explanation, reason string) string {
	note := fmt.Sprintf("_(%s: %s.)_", degradedNote, reason)
	if strings.TrimSpace(explanation) == "" {
		return note
	}
	return explanation + "\n\n" + note
}

func renderReason(err error) string {
	if errors.Is(err, types.ErrRenderTimeout) {
		return "rendering timed out"
	}
	return "the renderer reported an error"
}

func routingMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrNoProviderAvailable):
		return "No language model provider is configured."
	case errors.Is(err, types.ErrProviderTimeout):
		return "The language model took too long to answer. Please try again."
	default:
		return "The language model request failed. Please try again."
	}
}

func specType(s *types.VizSpec) string {
	if s == nil {
		return ""
	}
	return string(s.Type)
}
