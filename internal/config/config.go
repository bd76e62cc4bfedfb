// Package config loads the process configuration: one struct with nested
// sections, read from a JSON or YAML file and overridden by the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names known to the router, in default preference order.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var knownProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini}

// LLMConfig configures one model backend.
type LLMConfig struct {
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	Model          string  `json:"model" yaml:"model"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	// Storage selects the context backend: file, sqlite or memory.
	Storage string `json:"storage" yaml:"storage"`

	Providers struct {
		// Order lists providers in fallback order; empty means openai,
		// anthropic, gemini. Providers without credentials are skipped.
		Order     []string  `json:"order" yaml:"order"`
		Default   string    `json:"default" yaml:"default"`
		OpenAI    LLMConfig `json:"openai" yaml:"openai"`
		Anthropic LLMConfig `json:"anthropic" yaml:"anthropic"`
		Gemini    LLMConfig `json:"gemini" yaml:"gemini"`
	} `json:"providers" yaml:"providers"`

	Prompt struct {
		TemplatePath     string `json:"template_path" yaml:"template_path"`
		MaxContextTokens int    `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int    `json:"output_reserve" yaml:"output_reserve"`
	} `json:"prompt" yaml:"prompt"`

	Render struct {
		ArtifactDir            string `json:"artifact_dir" yaml:"artifact_dir"`
		ProviderTimeoutSeconds int    `json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"`
		RenderTimeoutSeconds   int    `json:"render_timeout_seconds" yaml:"render_timeout_seconds"`
		CacheEntries           int    `json:"cache_entries" yaml:"cache_entries"`
		CacheMaxAgeMinutes     int    `json:"cache_max_age_minutes" yaml:"cache_max_age_minutes"`
		RenderHistory          int    `json:"render_history" yaml:"render_history"`
		// ManimRunner is exec, docker or none.
		ManimRunner   string `json:"manim_runner" yaml:"manim_runner"`
		ManimBinary   string `json:"manim_binary" yaml:"manim_binary"`
		ManimImage    string `json:"manim_image" yaml:"manim_image"`
		ManimQuality  string `json:"manim_quality" yaml:"manim_quality"`
		ManimMemoryMB int    `json:"manim_memory_mb" yaml:"manim_memory_mb"`
		BrowserURL    string `json:"browser_url" yaml:"browser_url"`
	} `json:"render" yaml:"render"`

	HTTP struct {
		Listen string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`

	Telegram struct {
		Token        string `json:"token" yaml:"token"`
		SnapshotHTML bool   `json:"snapshot_html" yaml:"snapshot_html"`
	} `json:"telegram" yaml:"telegram"`

	Scheduler struct {
		PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"`
	} `json:"scheduler" yaml:"scheduler"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".vizlearn"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 4,
		Storage:       "file",
	}
	cfg.Providers.OpenAI = LLMConfig{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o",
		MaxTokens:      4000,
		Temperature:    0.7,
		TimeoutSeconds: 120,
	}
	cfg.Providers.Anthropic = LLMConfig{
		BaseURL:        "https://api.anthropic.com/v1",
		Model:          "claude-sonnet-4-5",
		MaxTokens:      4096,
		Temperature:    0.7,
		TimeoutSeconds: 120,
	}
	cfg.Providers.Gemini = LLMConfig{
		Model:          "gemini-2.5-flash",
		MaxTokens:      4096,
		Temperature:    0.7,
		TimeoutSeconds: 120,
	}
	cfg.Prompt.MaxContextTokens = 128000
	cfg.Prompt.OutputReserve = 4096
	cfg.Render.ProviderTimeoutSeconds = 120
	cfg.Render.RenderTimeoutSeconds = 300
	cfg.Render.CacheEntries = 512
	cfg.Render.CacheMaxAgeMinutes = 24 * 60
	cfg.Render.RenderHistory = 50
	cfg.Render.ManimRunner = "exec"
	cfg.Render.ManimBinary = "manim"
	cfg.Render.ManimImage = "manimcommunity/manim:stable"
	cfg.Render.ManimQuality = "low"
	cfg.Render.ManimMemoryMB = 2048
	cfg.HTTP.Listen = "127.0.0.1:8080"
	cfg.Scheduler.PruneSchedule = "@every 1h"
	return cfg
}

// Load reads path over the defaults, writing the defaults there first if the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Providers.OpenAI.Model, "OPENAI_MODEL")
	set(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	set(&cfg.Providers.Anthropic.Model, "ANTHROPIC_MODEL")
	set(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	set(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	set(&cfg.HTTP.Listen, "VIZLEARN_HTTP_LISTEN")
	set(&cfg.Storage, "VIZLEARN_STORAGE")
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		if !slices.Contains(allowed, v) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, v, strings.Join(allowed, ", ")))
		}
	}
	atLeast := func(key string, v, min int) {
		if v < min {
			errs = append(errs, fmt.Errorf("%s: must be at least %d, got %d", key, min, v))
		}
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir: must be set"))
	}
	oneOf("log_level", strings.ToLower(c.LogLevel), "debug", "info", "warn", "error")
	oneOf("log_format", c.LogFormat, "text", "json")
	oneOf("storage", c.Storage, "file", "sqlite", "memory")
	atLeast("max_concurrent", c.MaxConcurrent, 1)

	for _, name := range c.Providers.Order {
		oneOf("providers.order", name, knownProviders...)
	}
	if c.Providers.Default != "" {
		oneOf("providers.default", c.Providers.Default, knownProviders...)
	}
	for name, llm := range map[string]LLMConfig{
		ProviderOpenAI:    c.Providers.OpenAI,
		ProviderAnthropic: c.Providers.Anthropic,
		ProviderGemini:    c.Providers.Gemini,
	} {
		atLeast("providers."+name+".max_tokens", llm.MaxTokens, 0)
		atLeast("providers."+name+".timeout_seconds", llm.TimeoutSeconds, 0)
		if llm.Temperature < 0 || llm.Temperature > 2 {
			errs = append(errs, fmt.Errorf("providers.%s.temperature: must be within [0, 2], got %v", name, llm.Temperature))
		}
	}

	atLeast("prompt.max_context_tokens", c.Prompt.MaxContextTokens, 0)
	atLeast("prompt.output_reserve", c.Prompt.OutputReserve, 0)

	atLeast("render.provider_timeout_seconds", c.Render.ProviderTimeoutSeconds, 0)
	atLeast("render.render_timeout_seconds", c.Render.RenderTimeoutSeconds, 0)
	atLeast("render.cache_entries", c.Render.CacheEntries, 0)
	atLeast("render.cache_max_age_minutes", c.Render.CacheMaxAgeMinutes, 0)
	oneOf("render.manim_runner", c.Render.ManimRunner, "exec", "docker", "none")
	oneOf("render.manim_quality", c.Render.ManimQuality, "low", "medium", "high")
	atLeast("render.manim_memory_mb", c.Render.ManimMemoryMB, 0)

	return errors.Join(errs...)
}

// ProviderOrder returns the configured provider fallback order.
func (c *Config) ProviderOrder() []string {
	if len(c.Providers.Order) == 0 {
		return slices.Clone(knownProviders)
	}
	return slices.Clone(c.Providers.Order)
}

// LLM returns the backend settings for a provider name.
func (c *Config) LLM(name string) (LLMConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return c.Providers.OpenAI, true
	case ProviderAnthropic:
		return c.Providers.Anthropic, true
	case ProviderGemini:
		return c.Providers.Gemini, true
	}
	return LLMConfig{}, false
}

func (c *Config) ArtifactDir() string {
	if c.Render.ArtifactDir != "" {
		return c.Render.ArtifactDir
	}
	return filepath.Join(c.DataDir, "artifacts")
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Render.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.RenderTimeoutSeconds) * time.Second
}

func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Render.CacheMaxAgeMinutes) * time.Minute
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, in YAML when the extension says so.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON shape.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-keyed values, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw loads the file at path as a generic map, creating it with defaults
// if absent.
func readRaw(path string) (map[string]any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored in the file at path for a dot key.
func GetValue(path, key string) (any, error) {
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot key in the existing file at path. Values
// that parse as JSON (numbers, booleans, lists) keep their type; anything
// else is stored as a string.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	m := map[string]any{}
	if err := decode(path, data, &m); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat := Flatten(m)
	flat[key] = parsed

	out, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, out)
}
