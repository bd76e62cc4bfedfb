package prompt

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/vizlearn/internal/types"
	"github.com/user/vizlearn/pkg/llm"
)

// loadEncoding picks the tokenizer for model, falling back to cl100k_base.
// tiktoken-go fetches the BPE ranks on first use and caches them on disk.
var loadEncoding = func(model string) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding("cl100k_base")
}

// Builder assembles token-budgeted conversation history for the LLM.
type Builder struct {
	count     func(string) int
	maxTokens int
	reserve   int
}

// NewBuilder creates a builder with the specified token budget.
// maxTokens is the model's context window and reserve is kept free for the answer.
// When no tokenizer can be loaded (offline host, blocked egress) token counts
// are estimated from the text length instead.
func NewBuilder(model string, maxTokens, reserve int) *Builder {
	b := &Builder{count: estimateTokens, maxTokens: maxTokens, reserve: reserve}
	enc, err := loadEncoding(model)
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return b
	}
	b.count = func(text string) int { return len(enc.Encode(text, nil, nil)) }
	return b
}

// estimateTokens assumes about four characters per token.
func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// CountTokens returns the token count for a string.
func (b *Builder) CountTokens(text string) int {
	return b.count(text)
}

// History converts session messages to LLM messages, keeping the newest ones
// that fit in the budget left after the system prompt. The latest message is
// always kept. Order stays chronological.
func (b *Builder) History(system string, history []types.Message) []llm.Message {
	budget := b.maxTokens - b.reserve - b.CountTokens(system)

	var kept []llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Content == "" {
			continue
		}
		cost := b.CountTokens(m.Content) + 4 // role and framing
		if used+cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, llm.Message{Role: string(m.Role), Content: m.Content})
		used += cost
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
