// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var DefaultViewport = Viewport{Width: 800, Height: 600}

type UIState struct {
	Variables        map[string]any `json:"variables"`
	ActiveComponents []string       `json:"active_components,omitempty"`
	ActiveRenderID   RenderID       `json:"active_render_id,omitempty"`
	Viewport         Viewport       `json:"viewport"`
}

type ArtifactKind string

const (
	ArtifactNone  ArtifactKind = "none"
	ArtifactHTML  ArtifactKind = "html"
	ArtifactPlot  ArtifactKind = "plot"
	ArtifactVideo ArtifactKind = "video"
)

func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactNone, ArtifactHTML, ArtifactPlot, ArtifactVideo:
		return true
	}
	return false
}

// ArtifactRef locates a rendered output. Ref is opaque to the core; in practice
// it is a URL path under the static artifact route.
type ArtifactRef struct {
	Kind ArtifactKind `json:"kind"`
	Ref  string       `json:"ref,omitempty"`
}

func NoArtifact() ArtifactRef {
	return ArtifactRef{Kind: ArtifactNone}
}

func (a ArtifactRef) IsEmpty() bool {
	return a.Kind == ArtifactNone || a.Ref == ""
}

type RenderRecord struct {
	RenderID RenderID    `json:"render_id"`
	Type     SpecType    `json:"type"`
	Artifact ArtifactRef `json:"artifact"`
	At       time.Time   `json:"at"`
}

// SessionContext is the durable state of one conversation.
type SessionContext struct {
	SessionID             SessionID         `json:"session_id"`
	Messages              []Message         `json:"messages"`
	UIState               UIState           `json:"ui_state"`
	CurrentTopic          string            `json:"current_topic,omitempty"`
	LearningObjectives    []string          `json:"learning_objectives,omitempty"`
	GeneratedCode         map[string]string `json:"generated_code,omitempty"`
	RenderHistory         []RenderRecord    `json:"render_history,omitempty"`
	LastVisualizationSpec *VizSpec          `json:"last_visualization_spec,omitempty"`
	LastRenderOutput      ArtifactRef       `json:"last_render_output"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// NewSessionContext returns an empty context created at now.
func NewSessionContext(id SessionID, now time.Time) *SessionContext {
	now = now.UTC()
	return &SessionContext{
		SessionID: id,
		Messages:  []Message{},
		UIState: UIState{
			Variables: map[string]any{},
			Viewport:  DefaultViewport,
		},
		LastRenderOutput: NoArtifact(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Summary is the view of a context that providers are allowed to read.
func (c *SessionContext) Summary() ContextSummary {
	return ContextSummary{
		Topic:     c.CurrentTopic,
		Variables: maps.Clone(c.UIState.Variables),
	}
}

// LastMessage returns the most recent message, or nil for an empty history.
func (c *SessionContext) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Validate checks the schema rules every persisted context must satisfy.
func (c *SessionContext) Validate() error {
	if err := c.SessionID.Validate(); err != nil {
		return &ValidationError{Field: "session_id", Reason: err.Error()}
	}
	if c.CreatedAt.IsZero() {
		return invalid("created_at", "must be set")
	}
	if c.UpdatedAt.Before(c.CreatedAt) {
		return invalid("updated_at", "precedes created_at")
	}

	var prev time.Time
	for i, m := range c.Messages {
		if !m.Role.Valid() {
			return invalid(fmt.Sprintf("messages[%d].role", i), "unknown role %q", m.Role)
		}
		if m.Timestamp.Before(prev) {
			return invalid(fmt.Sprintf("messages[%d].timestamp", i), "earlier than previous message")
		}
		prev = m.Timestamp
		if _, err := json.Marshal(m.Metadata); err != nil {
			return invalid(fmt.Sprintf("messages[%d].metadata", i), "not serializable: %v", err)
		}
	}

	for k, v := range c.UIState.Variables {
		if k == "" {
			return invalid("ui_state.variables", "empty variable name")
		}
		if _, err := json.Marshal(v); err != nil {
			return invalid("ui_state.variables."+k, "not serializable: %v", err)
		}
	}
	if c.UIState.Viewport.Width < 0 || c.UIState.Viewport.Height < 0 {
		return invalid("ui_state.viewport", "negative dimension")
	}

	for i, o := range c.LearningObjectives {
		if o == "" {
			return invalid(fmt.Sprintf("learning_objectives[%d]", i), "empty objective")
		}
	}

	if c.LastVisualizationSpec != nil && c.LastVisualizationSpec.Type.Known() {
		if err := c.LastVisualizationSpec.Validate(); err != nil {
			return invalid("last_visualization_spec", "%v", err)
		}
	}
	if !c.LastRenderOutput.Kind.Valid() {
		return invalid("last_render_output.kind", "unknown kind %q", c.LastRenderOutput.Kind)
	}
	if c.LastRenderOutput.Kind == ArtifactNone && c.LastRenderOutput.Ref != "" {
		return invalid("last_render_output.ref", "set on a none artifact")
	}
	for i, r := range c.RenderHistory {
		if !r.Artifact.Kind.Valid() {
			return invalid(fmt.Sprintf("render_history[%d].artifact.kind", i), "unknown kind %q", r.Artifact.Kind)
		}
	}
	return nil
}

// ContextSummary carries the only context fields a provider may read.
type ContextSummary struct {
	Topic     string         `json:"current_topic,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type InboundEvent struct {
	Source    string    `json:"source"`
	SessionID SessionID `json:"session_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Provider  string    `json:"provider,omitempty"`
}
