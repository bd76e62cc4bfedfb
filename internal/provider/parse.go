package provider

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/vizlearn/internal/types"
)

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	htmlTag    = regexp.MustCompile(`(?i)<(p|div|br|ul|ol|li|h[1-6]|strong|em|b|i|a|code|pre|table)\b[^>]*>`)
)

// ParseResponse splits raw model output into explanation text and an optional
// spec. The spec comes from the first fenced json block, or from the whole
// answer when it is a bare JSON object. Structured output that does not decode
// into a valid spec degrades to the raw text.
func ParseResponse(raw string) *Response {
	raw = strings.TrimSpace(raw)

	payload, rest, ok := extractJSON(raw)
	if !ok {
		return &Response{Text: normalizeExplanation(raw)}
	}

	spec, err := types.ParseSpec([]byte(payload))
	if err != nil {
		slog.Warn("malformed visualization spec, using text", "error", err)
		return &Response{Text: normalizeExplanation(raw)}
	}

	text := normalizeExplanation(rest)
	spec.Explanation = normalizeExplanation(spec.Explanation)
	switch {
	case text == "":
		text = spec.Explanation
	case spec.Explanation == "":
		spec.Explanation = text
	}
	return &Response{Text: text, Spec: spec}
}

func extractJSON(raw string) (payload, rest string, ok bool) {
	if loc := fencedJSON.FindStringSubmatchIndex(raw); loc != nil {
		payload = raw[loc[2]:loc[3]]
		rest = strings.TrimSpace(raw[:loc[0]] + "\n\n" + raw[loc[1]:])
		return payload, rest, true
	}
	if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") && json.Valid([]byte(raw)) {
		return raw, "", true
	}
	return "", "", false
}

// normalizeExplanation converts HTML answers to Markdown. Plain text and
// Markdown pass through trimmed.
func normalizeExplanation(s string) string {
	s = strings.TrimSpace(s)
	if !htmlTag.MatchString(s) {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		slog.Debug("html explanation conversion failed", "error", err)
		return s
	}
	return strings.TrimSpace(md)
}
