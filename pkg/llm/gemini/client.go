// Package gemini adapts the Google Gen AI SDK to llm.Client.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/user/vizlearn/pkg/llm"
)

const DefaultModel = "gemini-2.5-flash"

// Client implements llm.Client on top of genai.Client.
type Client struct {
	config *llm.Config
	client *genai.Client
}

// New creates a Gemini API client. BaseURL, when set, overrides the SDK endpoint.
func New(ctx context.Context, config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}
	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions.BaseURL = config.BaseURL
	}
	if config.Timeout > 0 {
		timeout := config.Timeout
		cc.HTTPOptions.Timeout = &timeout
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{config: config, client: client}, nil
}

func (c *Client) model() string {
	if c.config.Model != "" {
		return c.config.Model
	}
	return DefaultModel
}

// Complete maps the conversation onto genai contents. Assistant turns use the
// model role; system-role history entries join the system instruction.
func (c *Client) Complete(ctx context.Context, system string, messages []llm.Message) (*llm.Response, error) {
	systemParts := []string{}
	if strings.TrimSpace(system) != "" {
		systemParts = append(systemParts, system)
	}

	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("no user or assistant messages to send")
	}

	cfg := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser)
	}
	if c.config.Temperature != 0 {
		cfg.Temperature = genai.Ptr(c.config.Temperature)
	}
	if c.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.config.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model(), contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("no text content in response")
	}

	out := &llm.Response{Content: text, Model: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}
