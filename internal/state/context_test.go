// internal/state/context_test.go
package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/vizlearn/internal/types"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func backends(t *testing.T) map[string]types.ContextBackend {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "contexts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]types.ContextBackend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(t.TempDir()),
		"sqlite": sqlite,
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, store *ContextStore, backend types.ContextBackend)) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewContextStore(backend)
			store.SetClock(newClock().Now)
			fn(t, store, backend)
		})
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		first, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		second, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if !first.UpdatedAt.Equal(second.UpdatedAt) {
			t.Errorf("updated_at changed: %v -> %v", first.UpdatedAt, second.UpdatedAt)
		}
		if diff := cmp.Diff(first.Messages, second.Messages); diff != "" {
			t.Errorf("messages changed:\n%s", diff)
		}

		ids, err := store.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]types.SessionID{"s1"}, ids); diff != "" {
			t.Errorf("expected created session to be persisted:\n%s", diff)
		}
	})
}

func TestGetOrCreateRejectsMalformedID(t *testing.T) {
	store := NewContextStore(NewMemoryBackend())
	if _, err := store.GetOrCreate(context.Background(), "../etc"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestApplyUpdateMatchesManualMerge(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		if _, err := store.ApplyUpdate(ctx, "s1", types.VariablesPatch(map[string]any{
			"axes": map[string]any{"grid": true, "label": "x"},
			"n":    1.0,
		})); err != nil {
			t.Fatal(err)
		}
		before, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}

		patch := types.ContextPatch{
			UIState: &types.UIStatePatch{
				Variables: map[string]any{"axes": map[string]any{"grid": false}, "m": "two"},
			},
			CurrentTopic:       types.Some("derivatives"),
			LearningObjectives: types.Some([]string{"slope"}),
		}
		updated, err := store.ApplyUpdate(ctx, "s1", patch)
		if err != nil {
			t.Fatal(err)
		}

		want := *before
		want.UIState.Variables = map[string]any{
			"axes": map[string]any{"grid": false, "label": "x"},
			"n":    1.0,
			"m":    "two",
		}
		want.CurrentTopic = "derivatives"
		want.LearningObjectives = []string{"slope"}
		want.UpdatedAt = updated.UpdatedAt

		reloaded, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(&want, reloaded); diff != "" {
			t.Errorf("merged context mismatch (-want +got):\n%s", diff)
		}
		if !reloaded.UpdatedAt.After(before.UpdatedAt) {
			t.Error("expected updated_at to advance")
		}
	})
}

func TestApplyUpdateValidationLeavesContextUnchanged(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		before, err := store.ApplyUpdate(ctx, "s1", types.ContextPatch{CurrentTopic: types.Some("limits")})
		if err != nil {
			t.Fatal(err)
		}

		bad := []types.ContextPatch{
			{CurrentTopic: types.Some("changed"), UIState: &types.UIStatePatch{Variables: map[string]any{"x": math.Inf(1)}}},
			{LastVisualizationSpec: types.Some(&types.VizSpec{Type: types.SpecPlot, Content: &types.PlotContent{}})},
			{LastRenderOutput: types.Some(types.ArtifactRef{Kind: "gif", Ref: "/a.gif"})},
		}
		for i, p := range bad {
			if _, err := store.ApplyUpdate(ctx, "s1", p); !errors.Is(err, types.ErrValidation) {
				t.Errorf("patch %d: expected ErrValidation, got %v", i, err)
			}
		}

		after, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(before, after); diff != "" {
			t.Errorf("rejected updates must not be visible (-before +after):\n%s", diff)
		}
	})
}

func TestAppendMessageOrderAndTimestamps(t *testing.T) {
	backend := NewMemoryBackend()
	store := NewContextStore(backend)
	clock := newClock()
	store.SetClock(clock.Now)
	ctx := context.Background()

	if _, err := store.AppendMessage(ctx, "s1", types.RoleUser, "first", nil); err != nil {
		t.Fatal(err)
	}
	// Clock jumps backwards; timestamps must not.
	clock.step = -time.Hour
	c, err := store.AppendMessage(ctx, "s1", types.RoleAssistant, "second", map[string]any{"spec_type": "text_only"})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 2 || c.Messages[0].Content != "first" || c.Messages[1].Content != "second" {
		t.Fatalf("unexpected messages %+v", c.Messages)
	}
	if c.Messages[1].Timestamp.Before(c.Messages[0].Timestamp) {
		t.Error("timestamps decreased")
	}
	if c.UpdatedAt.Before(c.CreatedAt) {
		t.Error("updated_at precedes created_at")
	}

	if _, err := store.AppendMessage(ctx, "s1", "narrator", "x", nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown role, got %v", err)
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.AppendMessage(ctx, "busy", types.RoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()

		c, err := store.GetOrCreate(ctx, "busy")
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Messages) != n {
			t.Errorf("expected %d messages, got %d", n, len(c.Messages))
		}
	})
}

func TestDeleteIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		if _, err := store.AppendMessage(ctx, "s1", types.RoleUser, "hello", nil); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "s1"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		c, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Messages) != 0 {
			t.Errorf("expected fresh context after delete, got %d messages", len(c.Messages))
		}
	})
}

func TestCorruptRecordIsSessionLoadError(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, backend types.ContextBackend) {
		ctx := context.Background()
		if err := backend.Save(ctx, "broken", []byte("{not json")); err != nil {
			t.Fatal(err)
		}
		if _, err := store.GetOrCreate(ctx, "broken"); !errors.Is(err, types.ErrSessionLoad) {
			t.Errorf("expected ErrSessionLoad, got %v", err)
		}
		if _, err := store.AppendMessage(ctx, "broken", types.RoleUser, "x", nil); !errors.Is(err, types.ErrSessionLoad) {
			t.Errorf("expected ErrSessionLoad on append, got %v", err)
		}
	})
}

func TestStoredContextRoundTrips(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		if _, err := store.AppendMessage(ctx, "s1", types.RoleUser, "Plot sin(x)", nil); err != nil {
			t.Fatal(err)
		}
		written, err := store.ApplyUpdate(ctx, "s1", types.ContextPatch{
			LastVisualizationSpec: types.Some(&types.VizSpec{
				Type:        types.SpecPlot,
				Explanation: "sine",
				Content:     &types.PlotContent{FunctionExpr: "Math.sin(x)"},
			}),
			LastRenderOutput: types.Some(types.ArtifactRef{Kind: types.ArtifactPlot, Ref: "/artifacts/plot_1.html"}),
		})
		if err != nil {
			t.Fatal(err)
		}
		read, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(written, read); diff != "" {
			t.Errorf("round trip mismatch (-written +read):\n%s", diff)
		}
	})
}

func TestAppendTurnIsAtomic(t *testing.T) {
	eachBackend(t, func(t *testing.T, store *ContextStore, _ types.ContextBackend) {
		ctx := context.Background()
		if _, err := store.AppendMessage(ctx, "s1", types.RoleUser, "plot x", nil); err != nil {
			t.Fatal(err)
		}

		ref := types.ArtifactRef{Kind: types.ArtifactPlot, Ref: "/artifacts/plot_x.html"}
		c, err := store.AppendTurn(ctx, "s1", types.RoleAssistant, "A line.", nil, func(c *types.SessionContext, msg types.Message) types.ContextPatch {
			if msg.Content != "A line." || c.LastMessage().Content != "A line." {
				t.Errorf("update saw %+v", msg)
			}
			return types.ContextPatch{LastRenderOutput: types.Some(ref)}
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Messages) != 2 || c.LastRenderOutput != ref {
			t.Errorf("unexpected context %+v", c)
		}

		_, err = store.AppendTurn(ctx, "s1", types.RoleAssistant, "lost", nil, func(*types.SessionContext, types.Message) types.ContextPatch {
			return types.ContextPatch{LastRenderOutput: types.Some(types.ArtifactRef{Kind: "gif"})}
		})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		after, err := store.GetOrCreate(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if len(after.Messages) != 2 || after.LastRenderOutput != ref {
			t.Errorf("rejected turn must leave no trace, got %d messages and %+v", len(after.Messages), after.LastRenderOutput)
		}
	})
}

func TestSessionLocksAreReclaimed(t *testing.T) {
	store := NewContextStore(NewMemoryBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := types.SessionID(fmt.Sprintf("s%d", i%10))
			if _, err := store.AppendMessage(ctx, id, types.RoleUser, "hi", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if err := store.Delete(ctx, "s3"); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	n := len(store.locks)
	store.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no session locks once idle, got %d", n)
	}
}
