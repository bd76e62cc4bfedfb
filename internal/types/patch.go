// internal/types/patch.go
package types

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
)

// Opt is a patch field that is either absent or carries a replacement value.
// A JSON null sets the field to its zero value.
type Opt[T any] struct {
	Set   bool
	Value T
}

func Some[T any](v T) Opt[T] {
	return Opt[T]{Set: true, Value: v}
}

func (o Opt[T]) IsZero() bool { return !o.Set }

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Value)
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	return json.Unmarshal(data, &o.Value)
}

// ContextPatch is a partial update of a SessionContext. Map fields merge
// recursively key by key; every other present field replaces the old value.
// Messages and the identity/timestamp fields are not patchable.
type ContextPatch struct {
	UIState               *UIStatePatch       `json:"ui_state,omitempty"`
	CurrentTopic          Opt[string]         `json:"current_topic,omitzero"`
	LearningObjectives    Opt[[]string]       `json:"learning_objectives,omitzero"`
	GeneratedCode         map[string]string   `json:"generated_code,omitempty"`
	RenderHistory         Opt[[]RenderRecord] `json:"render_history,omitzero"`
	LastVisualizationSpec Opt[*VizSpec]       `json:"last_visualization_spec,omitzero"`
	LastRenderOutput      Opt[ArtifactRef]    `json:"last_render_output,omitzero"`
}

type UIStatePatch struct {
	Variables        map[string]any `json:"variables,omitempty"`
	ActiveComponents Opt[[]string]  `json:"active_components,omitzero"`
	ActiveRenderID   Opt[RenderID]  `json:"active_render_id,omitzero"`
	Viewport         *ViewportPatch `json:"viewport,omitempty"`
}

type ViewportPatch struct {
	Width  Opt[int] `json:"width,omitzero"`
	Height Opt[int] `json:"height,omitzero"`
}

// VariablesPatch builds the patch for a UI variable update.
func VariablesPatch(vars map[string]any) ContextPatch {
	return ContextPatch{UIState: &UIStatePatch{Variables: vars}}
}

// ApplyTo merges p into c in place. The caller validates the result.
func (p ContextPatch) ApplyTo(c *SessionContext) {
	if u := p.UIState; u != nil {
		if u.Variables != nil {
			if c.UIState.Variables == nil {
				c.UIState.Variables = map[string]any{}
			}
			mergeMap(c.UIState.Variables, u.Variables)
		}
		if u.ActiveComponents.Set {
			c.UIState.ActiveComponents = slices.Clone(u.ActiveComponents.Value)
		}
		if u.ActiveRenderID.Set {
			c.UIState.ActiveRenderID = u.ActiveRenderID.Value
		}
		if v := u.Viewport; v != nil {
			if v.Width.Set {
				c.UIState.Viewport.Width = v.Width.Value
			}
			if v.Height.Set {
				c.UIState.Viewport.Height = v.Height.Value
			}
		}
	}
	if p.CurrentTopic.Set {
		c.CurrentTopic = p.CurrentTopic.Value
	}
	if p.LearningObjectives.Set {
		c.LearningObjectives = slices.Clone(p.LearningObjectives.Value)
	}
	if p.GeneratedCode != nil {
		if c.GeneratedCode == nil {
			c.GeneratedCode = map[string]string{}
		}
		maps.Copy(c.GeneratedCode, p.GeneratedCode)
	}
	if p.RenderHistory.Set {
		c.RenderHistory = slices.Clone(p.RenderHistory.Value)
	}
	if p.LastVisualizationSpec.Set {
		c.LastVisualizationSpec = p.LastVisualizationSpec.Value
	}
	if p.LastRenderOutput.Set {
		c.LastRenderOutput = p.LastRenderOutput.Value
	}
}

// mergeMap merges src into dst: nested maps merge, anything else replaces.
func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				merged := cloneMap(dm)
				mergeMap(merged, sm)
				dst[k] = merged
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

var immutableFields = []string{"session_id", "messages", "created_at", "updated_at"}

// DecodePatch strictly decodes a JSON patch. Unknown fields, wrong value types
// and attempts to touch immutable fields are reported as *ValidationError.
func DecodePatch(data []byte) (ContextPatch, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return ContextPatch{}, &ValidationError{Reason: "patch must be a JSON object: " + err.Error()}
	}
	for _, f := range immutableFields {
		if _, ok := keys[f]; ok {
			return ContextPatch{}, invalid(f, "cannot be changed by an update")
		}
	}

	var p ContextPatch
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return ContextPatch{}, &ValidationError{Reason: err.Error()}
	}
	return p, nil
}
