package config

import (
	"maps"
	"strings"
)

// Dot keys whose values are credentials.
var secretKeys = map[string]bool{
	"providers.openai.api_key":    true,
	"providers.anthropic.api_key": true,
	"providers.gemini.api_key":    true,
	"telegram.token":              true,
}

// IsSecretKey reports whether key names a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested sections into dot keys, so
// {"render": {"manim_runner": "exec"}} becomes {"render.manim_runner": "exec"}.
// Lists are leaves. Empty sections vanish.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if section, ok := v.(map[string]any); ok {
				walk(k, section)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A key that is both a leaf and a
// section prefix keeps the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		setPath(out, key, v)
	}
	return out
}

func setPath(m map[string]any, key string, v any) {
	head, rest, nested := strings.Cut(key, ".")
	if !nested {
		if _, isSection := m[head].(map[string]any); !isSection {
			m[head] = v
		}
		return
	}
	section, ok := m[head].(map[string]any)
	if !ok {
		section = make(map[string]any)
		m[head] = section
	}
	setPath(section, rest, v)
}

// MaskSecrets returns a copy of flat with non-empty credentials reduced to
// "***" and their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for key := range secretKeys {
		s, ok := out[key].(string)
		if !ok || s == "" {
			continue
		}
		out[key] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
