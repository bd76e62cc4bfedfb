package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/user/vizlearn/internal/config"
	"github.com/user/vizlearn/internal/gateway"
	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/prompt"
	"github.com/user/vizlearn/internal/provider"
	"github.com/user/vizlearn/internal/render"
	"github.com/user/vizlearn/internal/rendercache"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
	"github.com/user/vizlearn/pkg/llm"
	"github.com/user/vizlearn/pkg/llm/anthropic"
	"github.com/user/vizlearn/pkg/llm/gemini"
	"github.com/user/vizlearn/pkg/llm/openai"
)

// app holds the wired components shared by serve and chat.
type app struct {
	cfg       *config.Config
	store     *state.ContextStore
	artifacts *state.ArtifactStore
	tasks     *state.TaskStore
	template  *prompt.Template
	router    *provider.Router
	renderers *render.Registry
	cache     *rendercache.Cache
	gateway   *gateway.Gateway

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &app{
		cfg:       cfg,
		artifacts: state.NewArtifactStore(cfg.ArtifactDir(), "/artifacts"),
		tasks:     taskStoreFor(cfg),
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend)
	a.store = state.NewContextStore(backend)

	a.template, err = prompt.NewTemplate(cfg.Prompt.TemplatePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load prompt template: %w", err)
	}
	a.router = provider.NewRouter(ctx, providerEntries(cfg, a.template))

	a.renderers, err = a.buildRenderers()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = rendercache.New(cfg.Render.CacheEntries, cfg.CacheMaxAge())

	p := pipeline.New(a.store, a.router, a.renderers, a.cache, pipeline.Options{
		ProviderTimeout: cfg.ProviderTimeout(),
		RenderTimeout:   cfg.RenderTimeout(),
		RenderHistory:   cfg.Render.RenderHistory,
	})
	a.gateway = gateway.New(p, int64(cfg.MaxConcurrent))

	slog.Info("components ready",
		"storage", cfg.Storage,
		"providers", a.router.Available(),
		"renderers", a.renderers.Types(),
		"manim_runner", cfg.Render.ManimRunner,
	)
	return a, nil
}

// Close releases the context backend and any render runners.
func (a *app) Close() {
	for _, c := range slices.Backward(a.closers) {
		if err := c.Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func taskStoreFor(cfg *config.Config) *state.TaskStore {
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

func openBackend(cfg *config.Config) (types.ContextBackend, error) {
	switch cfg.Storage {
	case "sqlite":
		b, err := state.OpenSQLite(filepath.Join(cfg.DataDir, "contexts.db"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, nil
	case "memory":
		return state.NewMemoryBackend(), nil
	default:
		return state.NewFileBackend(cfg.DataDir), nil
	}
}

func (a *app) buildRenderers() (*render.Registry, error) {
	reg := render.NewRegistry()
	reg.Register(types.SpecPlot, render.NewPlotRenderer(a.artifacts))
	reg.Register(types.SpecInteractiveScript, render.NewScriptRenderer(a.artifacts))
	reg.Register(types.SpecScripted3D, render.NewSceneRenderer(a.artifacts))

	rc := a.cfg.Render
	workDir := filepath.Join(a.cfg.DataDir, "render")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}
	switch rc.ManimRunner {
	case "exec":
		runner := &render.ExecRunner{Binary: rc.ManimBinary}
		reg.Register(types.SpecAnimation, render.NewAnimationRenderer(runner, a.artifacts, rc.ManimQuality, workDir))
	case "docker":
		runner, err := render.NewDockerRunner(render.DockerOptions{
			Image:       rc.ManimImage,
			MemoryBytes: int64(rc.ManimMemoryMB) << 20,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, runner)
		reg.Register(types.SpecAnimation, render.NewAnimationRenderer(runner, a.artifacts, rc.ManimQuality, workDir))
	}
	return reg, nil
}

// providerEntries lists the configured providers in fallback order, with the
// default provider first.
func providerEntries(cfg *config.Config, tmpl *prompt.Template) []provider.Entry {
	order := cfg.ProviderOrder()
	if d := cfg.Providers.Default; d != "" {
		order = slices.DeleteFunc(order, func(n string) bool { return n == d })
		order = slices.Insert(order, 0, d)
	}

	entries := make([]provider.Entry, 0, len(order))
	for _, name := range order {
		lc, ok := cfg.LLM(name)
		if !ok {
			continue
		}
		entries = append(entries, provider.Entry{
			Name: name,
			Init: func(ctx context.Context) (provider.Provider, error) {
				client, err := newClient(ctx, name, lc)
				if err != nil {
					return nil, err
				}
				builder := prompt.NewBuilder(lc.Model, cfg.Prompt.MaxContextTokens, cfg.Prompt.OutputReserve)
				return provider.NewChatProvider(name, client, provider.WithTemplate(tmpl), provider.WithBuilder(builder))
			},
		})
	}
	return entries
}

var errNoAPIKey = errors.New("no API key configured")

func newClient(ctx context.Context, name string, lc config.LLMConfig) (llm.Client, error) {
	c := &llm.Config{
		BaseURL:     lc.BaseURL,
		APIKey:      lc.APIKey,
		Model:       lc.Model,
		MaxTokens:   lc.MaxTokens,
		Temperature: lc.Temperature,
		Timeout:     lc.Timeout(),
	}
	switch name {
	case config.ProviderOpenAI:
		// Local OpenAI-compatible servers run without a key.
		if c.APIKey == "" && c.BaseURL == config.Default().Providers.OpenAI.BaseURL {
			return nil, errNoAPIKey
		}
		return openai.New(c), nil
	case config.ProviderAnthropic:
		if c.APIKey == "" {
			return nil, errNoAPIKey
		}
		return anthropic.New(c), nil
	case config.ProviderGemini:
		if c.APIKey == "" {
			return nil, errNoAPIKey
		}
		client, err := gemini.New(ctx, c)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
