// Package provider turns a conversation into an explanation and an optional
// visualization spec, choosing among the configured model backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/user/vizlearn/internal/types"
)

// Response is a provider's answer. Text is always the explanation; Spec is
// set when the model asked for a visualization.
type Response struct {
	Text string
	Spec *types.VizSpec
}

// Provider generates a response for a conversation. Providers never touch the
// context store; summary is all they see of the session beyond its history.
type Provider interface {
	Name() string
	Generate(ctx context.Context, history []types.Message, summary types.ContextSummary) (*Response, error)
}

// Entry names a provider and how to build it.
type Entry struct {
	Name string
	Init func(ctx context.Context) (Provider, error)
}

// Router selects a provider by name with fallback to the first configured one.
type Router struct {
	order     []string
	providers map[string]Provider
}

// NewRouter initializes all entries in parallel. Entries whose Init fails
// (typically a missing credential) are logged and left out; configuration
// order is preserved among the rest.
func NewRouter(ctx context.Context, entries []Entry) *Router {
	built := make([]Provider, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			p, err := e.Init(ctx)
			if err != nil {
				slog.Warn("provider unavailable", "provider", e.Name, "error", err)
				return nil
			}
			built[i] = p
			return nil
		})
	}
	_ = g.Wait()

	r := &Router{providers: make(map[string]Provider)}
	for i, p := range built {
		if p == nil {
			continue
		}
		name := entries[i].Name
		if _, dup := r.providers[name]; dup {
			slog.Warn("duplicate provider ignored", "provider", name)
			continue
		}
		r.order = append(r.order, name)
		r.providers[name] = p
	}
	slog.Info("providers initialized", "available", r.order)
	return r
}

// Available returns the initialized provider names in configuration order.
func (r *Router) Available() []string {
	return slices.Clone(r.order)
}

// Select returns the named provider, or the first configured one when the
// name is empty or unknown.
func (r *Router) Select(name string) (Provider, error) {
	if len(r.order) == 0 {
		return nil, types.ErrNoProviderAvailable
	}
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	fallback := r.order[0]
	if name != "" {
		slog.Warn("unknown provider, falling back", "provider", name, "fallback", fallback)
	}
	return r.providers[fallback], nil
}

// Route dispatches to the selected provider. A deadline hit while waiting on
// the provider is reported as ErrProviderTimeout.
func (r *Router) Route(ctx context.Context, name string, history []types.Message, summary types.ContextSummary) (*Response, error) {
	p, err := r.Select(name)
	if err != nil {
		return nil, err
	}
	resp, err := p.Generate(ctx, history, summary)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: provider %s: %v", types.ErrProviderTimeout, p.Name(), err)
		}
		return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
	}
	return resp, nil
}
