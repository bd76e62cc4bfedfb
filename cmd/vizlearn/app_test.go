package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/vizlearn/internal/config"
	"github.com/user/vizlearn/internal/state"
)

func TestProviderEntriesPutDefaultFirst(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Default = config.ProviderGemini

	var names []string
	for _, e := range providerEntries(cfg, nil) {
		names = append(names, e.Name)
	}
	want := []string{"gemini", "openai", "anthropic"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	cfg := config.Default()
	ctx := context.Background()

	for _, name := range []string{config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderGemini} {
		lc, _ := cfg.LLM(name)
		if _, err := newClient(ctx, name, lc); !errors.Is(err, errNoAPIKey) {
			t.Errorf("%s without key: expected errNoAPIKey, got %v", name, err)
		}
	}

	local := cfg.Providers.OpenAI
	local.BaseURL = "http://localhost:11434/v1"
	if _, err := newClient(ctx, config.ProviderOpenAI, local); err != nil {
		t.Errorf("local openai-compatible server should not need a key: %v", err)
	}

	keyed := cfg.Providers.Anthropic
	keyed.APIKey = "sk-test"
	if _, err := newClient(ctx, config.ProviderAnthropic, keyed); err != nil {
		t.Errorf("anthropic with key: %v", err)
	}
}

func TestOpenBackend(t *testing.T) {
	for _, storage := range []string{"file", "sqlite", "memory"} {
		t.Run(storage, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataDir = t.TempDir()
			cfg.Storage = storage

			backend, err := openBackend(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer backend.Close()

			store := state.NewContextStore(backend)
			ctx := context.Background()
			if _, err := store.GetOrCreate(ctx, "cli:test"); err != nil {
				t.Fatal(err)
			}
			ids, err := store.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 || ids[0] != "cli:test" {
				t.Errorf("expected [cli:test], got %v", ids)
			}
		})
	}
}
