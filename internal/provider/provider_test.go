package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/vizlearn/internal/types"
)

type stubProvider struct {
	name string
	fn   func(ctx context.Context) (*Response, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, _ []types.Message, _ types.ContextSummary) (*Response, error) {
	if s.fn != nil {
		return s.fn(ctx)
	}
	return &Response{Text: "from " + s.name}, nil
}

func entry(name string) Entry {
	return Entry{Name: name, Init: func(context.Context) (Provider, error) {
		return &stubProvider{name: name}, nil
	}}
}

func failing(name string) Entry {
	return Entry{Name: name, Init: func(context.Context) (Provider, error) {
		return nil, fmt.Errorf("%s: API key not configured", name)
	}}
}

func TestNewRouterOmitsFailedInit(t *testing.T) {
	r := NewRouter(context.Background(), []Entry{entry("openai"), failing("anthropic"), entry("gemini")})
	if diff := cmp.Diff([]string{"openai", "gemini"}, r.Available()); diff != "" {
		t.Errorf("available mismatch (-want +got):\n%s", diff)
	}
}

func TestRouteSelectsNamedProvider(t *testing.T) {
	r := NewRouter(context.Background(), []Entry{entry("openai"), entry("gemini")})
	resp, err := r.Route(context.Background(), "gemini", nil, types.ContextSummary{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "from gemini" {
		t.Errorf("unexpected response %q", resp.Text)
	}
}

func TestRouteUnknownFallsBackToFirst(t *testing.T) {
	r := NewRouter(context.Background(), []Entry{entry("openai"), entry("anthropic")})
	for _, name := range []string{"nonexistent", ""} {
		resp, err := r.Route(context.Background(), name, nil, types.ContextSummary{})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Text != "from openai" {
			t.Errorf("%q: expected fallback to openai, got %q", name, resp.Text)
		}
	}
}

func TestRouteNoProviders(t *testing.T) {
	r := NewRouter(context.Background(), []Entry{failing("openai")})
	if len(r.Available()) != 0 {
		t.Fatal("expected no providers")
	}
	if _, err := r.Route(context.Background(), "openai", nil, types.ContextSummary{}); !errors.Is(err, types.ErrNoProviderAvailable) {
		t.Errorf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestRouteMapsDeadlineToProviderTimeout(t *testing.T) {
	slow := Entry{Name: "slow", Init: func(context.Context) (Provider, error) {
		return &stubProvider{name: "slow", fn: func(ctx context.Context) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}, nil
	}}
	r := NewRouter(context.Background(), []Entry{slow})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Route(ctx, "slow", nil, types.ContextSummary{}); !errors.Is(err, types.ErrProviderTimeout) {
		t.Errorf("expected ErrProviderTimeout, got %v", err)
	}
}
