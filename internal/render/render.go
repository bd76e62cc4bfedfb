// Package render turns visualization content into artifacts. Each spec type
// has one Renderer registered in a Registry; artifacts are named by a hash of
// their content so re-rendering identical content rewrites the same file.
package render

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/user/vizlearn/internal/rendercache"
	"github.com/user/vizlearn/internal/types"
)

// Renderer produces an artifact for one spec type's content.
type Renderer interface {
	Render(ctx context.Context, content types.Content) (types.ArtifactRef, error)
}

// ArtifactSink stores artifact files and returns their URL path.
// state.ArtifactStore is the production implementation.
type ArtifactSink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Import(ctx context.Context, name, src string) (string, error)
}

// Registry maps spec types to renderers.
type Registry struct {
	mu        sync.RWMutex
	renderers map[types.SpecType]Renderer
}

func NewRegistry() *Registry {
	return &Registry{renderers: make(map[types.SpecType]Renderer)}
}

// Register adds or replaces the renderer for t.
func (r *Registry) Register(t types.SpecType, rd Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[t] = rd
}

// Lookup returns the renderer for t. text_only and unknown types have none.
func (r *Registry) Lookup(t types.SpecType) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rd, ok := r.renderers[t]
	return rd, ok
}

// Types lists the registered spec types, sorted.
func (r *Registry) Types() []types.SpecType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SpecType, 0, len(r.renderers))
	for t := range r.renderers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// artifactName builds "<prefix>_<hash>.<ext>" from the content hash.
func artifactName(prefix string, t types.SpecType, content types.Content, ext string) (string, error) {
	key, err := rendercache.Key(t, content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	return fmt.Sprintf("%s_%s.%s", prefix, key[:16], ext), nil
}

func unexpectedContent(want types.SpecType, got types.Content) error {
	return fmt.Errorf("%w: %s renderer got %T", types.ErrRender, want, got)
}
