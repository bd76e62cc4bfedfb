package llm

import (
	"context"
	"time"
)

// Client is a single-shot chat completion backend.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Client interface {
	// Complete sends the system prompt and conversation and returns the
	// model's full answer.
	Complete(ctx context.Context, system string, messages []Message) (*Response, error)
}

// Config holds common configuration for LLM backends.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// HTTPTimeout returns the configured timeout or def when unset.
func (c *Config) HTTPTimeout(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return def
}
