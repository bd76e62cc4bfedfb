// Package rendercache de-duplicates renders by content. Identical (type,
// content) pairs map to one key; at most one render per key runs at a time in
// the process and only successful renders are remembered.
package rendercache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/user/vizlearn/internal/types"
)

// RenderFunc produces the artifact for a cache miss.
type RenderFunc func(ctx context.Context) (types.ArtifactRef, error)

// Entry is a cached render outcome.
type Entry struct {
	Artifact types.ArtifactRef
	At       time.Time
}

// Cache is a size-bounded, age-pruned render cache shared by all sessions.
type Cache struct {
	maxAge time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache
	ages    map[string]time.Time // lru cannot be iterated
}

// New creates a cache holding at most maxEntries renders (0 means unbounded).
// Entries older than maxAge are treated as misses and removed by Prune; a zero
// maxAge disables aging.
func New(maxEntries int, maxAge time.Duration) *Cache {
	c := &Cache{
		maxAge:  maxAge,
		now:     time.Now,
		entries: lru.New(maxEntries),
		ages:    make(map[string]time.Time),
	}
	c.entries.OnEvicted = func(key lru.Key, _ any) {
		delete(c.ages, key.(string))
	}
	return c
}

// Key returns the stable hash of a spec type and its content. Content is
// canonicalized through a generic JSON round trip so map key order and
// formatting never change the key.
func Key(t types.SpecType, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the live entry for key.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

func (c *Cache) lookupLocked(key string) (Entry, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(Entry)
	if c.expired(e) {
		c.entries.Remove(key)
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) expired(e Entry) bool {
	return c.maxAge > 0 && c.now().Sub(e.At) > c.maxAge
}

func (c *Cache) store(key string, ref types.ArtifactRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	c.entries.Add(key, Entry{Artifact: ref, At: at})
	c.ages[key] = at
}

// Len returns the number of cached renders, including expired ones not yet pruned.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Prune drops every entry older than maxAge and returns how many were removed.
func (c *Cache) Prune() int {
	if c.maxAge <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, at := range c.ages {
		if c.now().Sub(at) > c.maxAge {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// GetOrRender returns the cached artifact for (t, content), calling render at
// most once per key across concurrent callers. A caller that waited on someone
// else's failed render tries again itself; failures are never stored.
func (c *Cache) GetOrRender(ctx context.Context, t types.SpecType, content any, render RenderFunc) (types.ArtifactRef, error) {
	key, err := Key(t, content)
	if err != nil {
		return types.NoArtifact(), err
	}

	for {
		if e, ok := c.Lookup(key); ok {
			slog.Debug("render cache hit", "spec_type", string(t), "key", key[:12])
			return e.Artifact, nil
		}

		ran := false
		ch := c.group.DoChan(key, func() (any, error) {
			ran = true
			if e, ok := c.Lookup(key); ok {
				return e.Artifact, nil
			}
			ref, err := render(ctx)
			if err != nil {
				return nil, err
			}
			c.store(key, ref)
			return ref, nil
		})

		select {
		case <-ctx.Done():
			return types.NoArtifact(), ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(types.ArtifactRef), nil
			}
			if ran {
				return types.NoArtifact(), res.Err
			}
			if err := ctx.Err(); err != nil {
				return types.NoArtifact(), err
			}
			slog.Debug("shared render failed, retrying", "spec_type", string(t), "error", res.Err)
		}
	}
}
