package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/user/vizlearn/internal/provider"
	"github.com/user/vizlearn/internal/render"
	"github.com/user/vizlearn/internal/rendercache"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedProvider struct {
	name string
	fn   func(ctx context.Context, history []types.Message) (*provider.Response, error)
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Generate(ctx context.Context, history []types.Message, _ types.ContextSummary) (*provider.Response, error) {
	return s.fn(ctx, history)
}

func providerEntry(name string, fn func(ctx context.Context, history []types.Message) (*provider.Response, error)) provider.Entry {
	return provider.Entry{Name: name, Init: func(context.Context) (provider.Provider, error) {
		return &scriptedProvider{name: name, fn: fn}, nil
	}}
}

func reply(resp *provider.Response) func(context.Context, []types.Message) (*provider.Response, error) {
	return func(context.Context, []types.Message) (*provider.Response, error) { return resp, nil }
}

type countingRenderer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, content types.Content) (types.ArtifactRef, error)
}

func (r *countingRenderer) Render(ctx context.Context, content types.Content) (types.ArtifactRef, error) {
	r.calls.Add(1)
	return r.fn(ctx, content)
}

func plotRenderer() *countingRenderer {
	return &countingRenderer{fn: func(_ context.Context, content types.Content) (types.ArtifactRef, error) {
		c := content.(*types.PlotContent)
		return types.ArtifactRef{Kind: types.ArtifactPlot, Ref: "/artifacts/plot_" + c.FunctionExpr + ".html"}, nil
	}}
}

type fixture struct {
	store     *state.ContextStore
	cache     *rendercache.Cache
	renderers *render.Registry
	pipeline  *Pipeline
}

func newFixture(t *testing.T, entries []provider.Entry, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     state.NewContextStore(state.NewMemoryBackend()),
		cache:     rendercache.New(16, 0),
		renderers: render.NewRegistry(),
	}
	router := provider.NewRouter(context.Background(), entries)
	f.pipeline = New(f.store, router, f.renderers, f.cache, opts)
	return f
}

func plotSpec(expr string) *types.VizSpec {
	return &types.VizSpec{
		Type:        types.SpecPlot,
		Explanation: "A plot of " + expr,
		Content:     &types.PlotContent{FunctionExpr: expr},
	}
}

func TestPlotTurn(t *testing.T) {
	var transitions []State
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "Here is sin(x).", Spec: plotSpec("sin(x)")})),
	}, Options{Observer: func(tr Transition) { transitions = append(transitions, tr.To) }})
	plots := plotRenderer()
	f.renderers.Register(types.SpecPlot, plots)

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "Plot sin(x)"})
	if err != nil {
		t.Fatal(err)
	}

	want := types.ArtifactRef{Kind: types.ArtifactPlot, Ref: "/artifacts/plot_sin(x).html"}
	if res.Artifact != want {
		t.Errorf("unexpected artifact %+v", res.Artifact)
	}
	if res.State != StateDone || res.Degraded {
		t.Errorf("unexpected result state %s degraded=%v", res.State, res.Degraded)
	}
	if n := plots.calls.Load(); n != 1 {
		t.Errorf("expected one render, got %d", n)
	}
	if f.cache.Len() != 1 {
		t.Errorf("expected one cache entry, got %d", f.cache.Len())
	}
	key, err := rendercache.Key(types.SpecPlot, &types.PlotContent{FunctionExpr: "sin(x)"})
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := f.cache.Lookup(key); !ok || e.Artifact != want {
		t.Errorf("expected cache entry keyed on the plot content, got %+v %v", e, ok)
	}

	sc, err := f.store.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sc.LastRenderOutput != want {
		t.Errorf("last_render_output = %+v", sc.LastRenderOutput)
	}
	if sc.LastVisualizationSpec == nil || sc.LastVisualizationSpec.Type != types.SpecPlot {
		t.Errorf("last_visualization_spec = %+v", sc.LastVisualizationSpec)
	}
	roles := make([]types.Role, len(sc.Messages))
	for i, m := range sc.Messages {
		roles[i] = m.Role
	}
	if diff := cmp.Diff([]types.Role{types.RoleUser, types.RoleAssistant}, roles); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
	if sc.Messages[1].Content != res.HistoryDelta.Content || res.HistoryDelta.Role != types.RoleAssistant {
		t.Errorf("history delta %+v does not match stored message", res.HistoryDelta)
	}
	if sc.UIState.ActiveRenderID == "" || len(sc.RenderHistory) != 1 || sc.RenderHistory[0].RenderID != sc.UIState.ActiveRenderID {
		t.Errorf("expected active render recorded in history, got %q %+v", sc.UIState.ActiveRenderID, sc.RenderHistory)
	}

	wantStates := []State{
		StateLoadingContext, StateAppendingUserMessage, StateRouting, StateDispatching,
		StateRendering, StatePersistingResult, StateDone,
	}
	if diff := cmp.Diff(wantStates, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	// Same content on another session is served from the cache.
	if _, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s2", Text: "Plot sin(x) again"}); err != nil {
		t.Fatal(err)
	}
	if n := plots.calls.Load(); n != 1 {
		t.Errorf("expected cached render, got %d renders", n)
	}
}

func TestTextTurnSkipsRendering(t *testing.T) {
	var transitions []State
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "A derivative measures change."})),
	}, Options{Observer: func(tr Transition) { transitions = append(transitions, tr.To) }})

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "What is a derivative?"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Artifact.IsEmpty() || res.Spec != nil {
		t.Errorf("expected text-only result, got %+v", res)
	}
	for _, s := range transitions {
		if s == StateRendering {
			t.Error("text turn must not render")
		}
	}
	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if sc.LastVisualizationSpec != nil || sc.LastRenderOutput.Kind != types.ArtifactNone {
		t.Errorf("expected cleared visualization fields, got %+v %+v", sc.LastVisualizationSpec, sc.LastRenderOutput)
	}
}

func TestUnknownProviderFallsBack(t *testing.T) {
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "from openai"})),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "hi", Provider: "unknown"})
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if res.Explanation != "from openai" {
		t.Errorf("unexpected explanation %q", res.Explanation)
	}
}

func TestZeroProvidersFails(t *testing.T) {
	var transitions []State
	f := newFixture(t, nil, Options{Observer: func(tr Transition) { transitions = append(transitions, tr.To) }})

	_, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "hi"})
	if !errors.Is(err, types.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	var te *TurnError
	if !errors.As(err, &te) || te.State != StateRouting || te.Message == "" {
		t.Errorf("unexpected turn error %+v", te)
	}
	if diff := cmp.Diff([]State{StateLoadingContext, StateRouting, StateFailed}, transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if len(sc.Messages) != 0 {
		t.Errorf("expected no messages appended, got %d", len(sc.Messages))
	}
}

func TestAnimationTimeoutDegrades(t *testing.T) {
	spec := &types.VizSpec{
		Type:    types.SpecAnimation,
		Content: &types.AnimationContent{SceneCode: "self.wait(600)"},
	}
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "Watch the circle grow.", Spec: spec})),
	}, Options{RenderTimeout: 20 * time.Millisecond})
	slow := &countingRenderer{fn: func(ctx context.Context, _ types.Content) (types.ArtifactRef, error) {
		<-ctx.Done()
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRenderTimeout, ctx.Err())
	}}
	f.renderers.Register(types.SpecAnimation, slow)

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "Animate a circle"})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateDone || !res.Degraded {
		t.Errorf("expected degraded Done, got %s degraded=%v", res.State, res.Degraded)
	}
	if !strings.HasPrefix(res.Explanation, "Watch the circle grow.") || !strings.Contains(res.Explanation, degradedNote) {
		t.Errorf("expected degradation note, got %q", res.Explanation)
	}
	if f.cache.Len() != 0 {
		t.Errorf("timeouts must not be cached, got %d entries", f.cache.Len())
	}

	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if !sc.LastRenderOutput.IsEmpty() {
		t.Errorf("expected empty last_render_output, got %+v", sc.LastRenderOutput)
	}
	if sc.LastVisualizationSpec == nil || sc.LastVisualizationSpec.Type != types.SpecAnimation {
		t.Errorf("expected spec recorded on degraded path, got %+v", sc.LastVisualizationSpec)
	}
	if len(sc.Messages) != 2 || sc.Messages[1].Content != res.Explanation {
		t.Errorf("expected one degraded assistant message, got %+v", sc.Messages)
	}
}

func TestRenderErrorDegrades(t *testing.T) {
	spec := plotSpec("x")
	spec.Explanation = ""
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "", Spec: spec})),
	}, Options{})
	f.renderers.Register(types.SpecPlot, &countingRenderer{fn: func(context.Context, types.Content) (types.ArtifactRef, error) {
		return types.NoArtifact(), fmt.Errorf("%w: boom", types.ErrRender)
	}})

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "plot x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Explanation, "_("+degradedNote) {
		t.Errorf("expected the note alone for an empty explanation, got %q", res.Explanation)
	}
}

func TestUnknownSpecType(t *testing.T) {
	spec := &types.VizSpec{Type: "audio", Explanation: "Listen.", Raw: []byte(`{"clip":"a.wav"}`)}
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "Listen to this.", Spec: spec})),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "play a tone"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Explanation != "LLM requested unknown visualization type: audio. Listen." {
		t.Errorf("unexpected explanation %q", res.Explanation)
	}
	if !res.Artifact.IsEmpty() {
		t.Errorf("expected no artifact, got %+v", res.Artifact)
	}
}

func TestUnregisteredRendererDegrades(t *testing.T) {
	spec := &types.VizSpec{Type: types.SpecScripted3D, Content: &types.SceneContent{SceneSetupCode: "scene.add(cube)"}}
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "A cube.", Spec: spec})),
	}, Options{})

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "show a cube"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded || !strings.Contains(res.Explanation, "scripted_3d rendering is not enabled") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestProviderTimeoutKeepsUserMessage(t *testing.T) {
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", func(ctx context.Context, _ []types.Message) (*provider.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}, Options{ProviderTimeout: 20 * time.Millisecond})

	_, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "hello?"})
	if !errors.Is(err, types.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
	var te *TurnError
	if !errors.As(err, &te) || te.State != StateRouting {
		t.Errorf("unexpected turn error %+v", te)
	}

	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if len(sc.Messages) != 1 || sc.Messages[0].Role != types.RoleUser {
		t.Errorf("expected the committed user message only, got %+v", sc.Messages)
	}
}

func TestMalformedSessionIDFailsLoading(t *testing.T) {
	f := newFixture(t, []provider.Entry{providerEntry("openai", reply(&provider.Response{Text: "hi"}))}, Options{})
	_, err := f.pipeline.Run(context.Background(), Turn{SessionID: "../etc", Text: "hi"})
	var te *TurnError
	if !errors.As(err, &te) || te.State != StateLoadingContext {
		t.Errorf("expected LoadingContext failure, got %v", err)
	}
}

func TestTurnsWithinSessionAreSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", func(_ context.Context, history []types.Message) (*provider.Response, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			return &provider.Response{Text: "echo: " + history[len(history)-1].Content}, nil
		}),
	}, Options{})

	const turns = 10
	var wg sync.WaitGroup
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("expected turns of one session to run one at a time, saw %d", maxInFlight.Load())
	}
	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if len(sc.Messages) != 2*turns {
		t.Fatalf("expected %d messages, got %d", 2*turns, len(sc.Messages))
	}
	for i := 0; i < len(sc.Messages); i += 2 {
		user, assistant := sc.Messages[i], sc.Messages[i+1]
		if user.Role != types.RoleUser || assistant.Role != types.RoleAssistant || assistant.Content != "echo: "+user.Content {
			t.Errorf("turn %d interleaved: %+v / %+v", i/2, user, assistant)
		}
	}
}

func TestRenderHistoryIsBounded(t *testing.T) {
	var n atomic.Int32
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", func(context.Context, []types.Message) (*provider.Response, error) {
			return &provider.Response{Text: "plot", Spec: plotSpec(fmt.Sprintf("x*%d", n.Add(1)))}, nil
		}),
	}, Options{RenderHistory: 2})
	f.renderers.Register(types.SpecPlot, plotRenderer())

	for range 3 {
		if _, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "plot"}); err != nil {
			t.Fatal(err)
		}
	}
	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if len(sc.RenderHistory) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(sc.RenderHistory))
	}
	if sc.RenderHistory[1].Artifact.Ref != "/artifacts/plot_x*3.html" {
		t.Errorf("expected newest render last, got %+v", sc.RenderHistory)
	}
}

func TestSpecExplanationPreferredOverProse(t *testing.T) {
	raw := "Sure.\n\n```json\n" +
		`{"type": "plot", "explanation": "The sine wave oscillates between -1 and 1.", "content": {"function_expr": "Math.sin(x)"}}` +
		"\n```"
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(provider.ParseResponse(raw))),
	}, Options{})
	f.renderers.Register(types.SpecPlot, plotRenderer())

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "Plot sin(x)"})
	if err != nil {
		t.Fatal(err)
	}
	want := "The sine wave oscillates between -1 and 1."
	if res.Explanation != want {
		t.Errorf("explanation = %q, want %q", res.Explanation, want)
	}
	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if got := sc.LastMessage().Content; got != want {
		t.Errorf("persisted explanation = %q, want %q", got, want)
	}
}

func TestProseUsedWhenSpecHasNoExplanation(t *testing.T) {
	spec := plotSpec("x")
	spec.Explanation = "  "
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "A straight line.", Spec: spec})),
	}, Options{})
	f.renderers.Register(types.SpecPlot, plotRenderer())

	res, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "plot x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Explanation != "A straight line." {
		t.Errorf("unexpected explanation %q", res.Explanation)
	}
}

func TestPersistFailureCommitsNothing(t *testing.T) {
	// A plot spec without content fails context validation at persist time.
	spec := &types.VizSpec{Type: types.SpecPlot, Explanation: "broken"}
	var transitions []State
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "broken", Spec: spec})),
	}, Options{Observer: func(tr Transition) { transitions = append(transitions, tr.To) }})

	_, err := f.pipeline.Run(context.Background(), Turn{SessionID: "s1", Text: "plot"})
	var te *TurnError
	if !errors.As(err, &te) || te.State != StatePersistingResult {
		t.Fatalf("expected PersistingResult failure, got %v", err)
	}
	if last := transitions[len(transitions)-1]; last != StateFailed {
		t.Errorf("expected Failed, got %s", last)
	}

	sc, _ := f.store.GetOrCreate(context.Background(), "s1")
	if len(sc.Messages) != 1 || sc.Messages[0].Role != types.RoleUser {
		t.Errorf("expected only the user message, got %+v", sc.Messages)
	}
	if sc.LastVisualizationSpec != nil || sc.LastRenderOutput.Kind != types.ArtifactNone {
		t.Errorf("expected visualization fields untouched, got %+v %+v", sc.LastVisualizationSpec, sc.LastRenderOutput)
	}
}

func TestSessionLocksAreReclaimed(t *testing.T) {
	f := newFixture(t, []provider.Entry{
		providerEntry("openai", reply(&provider.Response{Text: "ok"})),
	}, Options{})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := types.SessionID(fmt.Sprintf("s%d", i%5))
			if _, err := f.pipeline.Run(context.Background(), Turn{SessionID: id, Text: "hi"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := f.pipeline.locks.len(); n != 0 {
		t.Errorf("expected no session locks after all turns, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.pipeline.Run(ctx, Turn{SessionID: "s1", Text: "hi"})
	if n := f.pipeline.locks.len(); n != 0 {
		t.Errorf("expected no session locks after a cancelled acquire, got %d", n)
	}
}
