// internal/state/artifact.go
package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore keeps rendered artifacts as flat files in one directory and
// addresses them by a URL path under prefix (served by the HTTP layer).
type ArtifactStore struct {
	dir    string
	prefix string
}

// NewArtifactStore creates an artifact store writing into dir. prefix is the
// URL path artifacts are served from, e.g. "/artifacts".
func NewArtifactStore(dir, prefix string) *ArtifactStore {
	if prefix == "" {
		prefix = "/artifacts"
	}
	return &ArtifactStore{dir: dir, prefix: strings.TrimRight(prefix, "/")}
}

// Dir returns the directory artifacts are written to.
func (a *ArtifactStore) Dir() string { return a.dir }

// Prefix returns the URL path prefix.
func (a *ArtifactStore) Prefix() string { return a.prefix }

func (a *ArtifactStore) Path(name string) string {
	return filepath.Join(a.dir, name)
}

func (a *ArtifactStore) URL(name string) string {
	return a.prefix + "/" + name
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// Put writes data under name and returns its URL.
func (a *ArtifactStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := writeFileAtomic(a.Path(name), data); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return a.URL(name), nil
}

// Import moves a file produced elsewhere (e.g. by a renderer subprocess) into
// the store under name and returns its URL.
func (a *ArtifactStore) Import(_ context.Context, name, src string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	target := a.Path(name)
	if err := os.Rename(src, target); err == nil {
		return a.URL(name), nil
	}

	// Rename fails across filesystems; fall back to copy.
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact source: %w", err)
	}
	defer in.Close()
	tmp := target + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return a.URL(name), nil
}

// Exists reports whether an artifact with name has been written.
func (a *ArtifactStore) Exists(name string) bool {
	if checkName(name) != nil {
		return false
	}
	_, err := os.Stat(a.Path(name))
	return err == nil
}

// Resolve maps an artifact URL back to its file on disk.
func (a *ArtifactStore) Resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, a.prefix+"/")
	if !ok {
		return "", fmt.Errorf("artifact ref %q outside %s", ref, a.prefix)
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	path := a.Path(name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("artifact not found: %s", name)
		}
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	return path, nil
}
