package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/vizlearn/internal/prompt"
	"github.com/user/vizlearn/internal/types"
	"github.com/user/vizlearn/pkg/llm"
)

// ChatProvider adapts an llm.Client to Provider.
type ChatProvider struct {
	name     string
	client   llm.Client
	template *prompt.Template
	builder  *prompt.Builder
	retry    *RetryPolicy
	now      func() time.Time
}

// ChatOption configures a ChatProvider.
type ChatOption func(*ChatProvider)

// WithTemplate sets the system prompt template. Defaults to the built-in prompt.
func WithTemplate(t *prompt.Template) ChatOption {
	return func(p *ChatProvider) { p.template = t }
}

// WithBuilder sets the history token budget. Without one the full history is sent.
func WithBuilder(b *prompt.Builder) ChatOption {
	return func(p *ChatProvider) { p.builder = b }
}

// WithRetry sets the retry policy. Defaults to DefaultRetryPolicy.
func WithRetry(r *RetryPolicy) ChatOption {
	return func(p *ChatProvider) { p.retry = r }
}

func NewChatProvider(name string, client llm.Client, opts ...ChatOption) (*ChatProvider, error) {
	p := &ChatProvider{
		name:   name,
		client: client,
		retry:  DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.template == nil {
		t, err := prompt.NewTemplate("")
		if err != nil {
			return nil, err
		}
		p.template = t
	}
	return p, nil
}

func (p *ChatProvider) Name() string { return p.name }

// Generate renders the system prompt, sends the history and parses the answer.
func (p *ChatProvider) Generate(ctx context.Context, history []types.Message, summary types.ContextSummary) (*Response, error) {
	system, err := p.template.Render(prompt.NewData(summary, p.now()))
	if err != nil {
		return nil, err
	}

	var messages []llm.Message
	if p.builder != nil {
		messages = p.builder.History(system, history)
	} else {
		for _, m := range history {
			messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("empty conversation")
	}

	var resp *llm.Response
	attempt := 0
	err = p.retry.Execute(ctx, func(ctx context.Context) error {
		attempt++
		r, err := p.client.Complete(ctx, system, messages)
		if err != nil {
			slog.Warn("provider call failed", "provider", p.name, "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("provider responded",
		"provider", p.name,
		"model", resp.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return ParseResponse(resp.Content), nil
}
