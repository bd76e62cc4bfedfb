package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/vizlearn/internal/types"
)

// Data is what the system prompt template sees.
type Data struct {
	Time      string
	Topic     string
	Variables string
	SpecTypes string
}

// NewData builds template data from a context summary.
func NewData(summary types.ContextSummary, now time.Time) Data {
	d := Data{
		Time:      now.Format(time.RFC3339),
		Topic:     summary.Topic,
		SpecTypes: strings.Join(specTypeNames(), ", "),
	}
	if len(summary.Variables) > 0 {
		if b, err := json.Marshal(summary.Variables); err == nil {
			d.Variables = string(b)
		}
	}
	return d
}

func specTypeNames() []string {
	return []string{
		string(types.SpecPlot),
		string(types.SpecInteractiveScript),
		string(types.SpecAnimation),
		string(types.SpecScripted3D),
		string(types.SpecTextOnly),
	}
}

// Template is a system prompt template that can be reloaded from disk.
// An empty path means the built-in DefaultPrompt.
type Template struct {
	path string

	mu   sync.RWMutex
	tmpl *template.Template
}

// NewTemplate parses the template at path, or DefaultPrompt when path is empty.
func NewTemplate(path string) (*Template, error) {
	t := &Template{path: path}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the backing file, if any.
func (t *Template) Path() string { return t.path }

// Reload re-reads and re-parses the template file. On error the previous
// template stays in effect.
func (t *Template) Reload() error {
	text := DefaultPrompt
	if t.path != "" {
		data, err := os.ReadFile(t.path)
		if err != nil {
			return fmt.Errorf("read prompt template: %w", err)
		}
		text = string(data)
	}

	tmpl, err := template.New("system").Option("missingkey=zero").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}

	t.mu.Lock()
	t.tmpl = tmpl
	t.mu.Unlock()
	return nil
}

// Render executes the current template.
func (t *Template) Render(data Data) (string, error) {
	t.mu.RLock()
	tmpl := t.tmpl
	t.mu.RUnlock()

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return buf.String(), nil
}

// Watch reloads the template whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up. Watch returns immediately for the built-in template.
func (t *Template) Watch(ctx context.Context) error {
	if t.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}
	target := filepath.Clean(t.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := t.Reload(); err != nil {
				slog.Warn("prompt template reload failed", "path", t.path, "error", err)
				continue
			}
			slog.Info("prompt template reloaded", "path", t.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompt template watcher error", "error", err)
		}
	}
}
