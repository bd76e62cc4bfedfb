// internal/types/spec.go
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type SpecType string

const (
	SpecPlot              SpecType = "plot"
	SpecAnimation         SpecType = "animation"
	SpecInteractiveScript SpecType = "interactive_script"
	SpecScripted3D        SpecType = "scripted_3d"
	SpecTextOnly          SpecType = "text_only"
)

// Names models tend to use for the same renderers.
var specAliases = map[string]SpecType{
	"plotly":           SpecPlot,
	"manim":            SpecAnimation,
	"interactive_js":   SpecInteractiveScript,
	"javascript":       SpecInteractiveScript,
	"three_js":         SpecScripted3D,
	"threejs":          SpecScripted3D,
	"text_explanation": SpecTextOnly,
	"text":             SpecTextOnly,
}

// NormalizeSpecType folds case and aliases. Unrecognized tags are returned
// as-is so callers can report them.
func NormalizeSpecType(s string) SpecType {
	s = strings.ToLower(strings.TrimSpace(s))
	if t, ok := specAliases[s]; ok {
		return t
	}
	return SpecType(s)
}

func (t SpecType) Known() bool {
	switch t {
	case SpecPlot, SpecAnimation, SpecInteractiveScript, SpecScripted3D, SpecTextOnly:
		return true
	}
	return false
}

// Content is the renderer-specific payload of a VizSpec.
type Content interface {
	SpecType() SpecType
	Validate() error
}

type ParamRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Step    float64 `json:"step,omitempty"`
	Label   string  `json:"label,omitempty"`
}

type Params map[string]ParamRange

func (p Params) validate() error {
	for name, r := range p {
		if name == "" {
			return fmt.Errorf("empty parameter name")
		}
		if r.Min > r.Max {
			return fmt.Errorf("parameter %s: min %g exceeds max %g", name, r.Min, r.Max)
		}
		if r.Default < r.Min || r.Default > r.Max {
			return fmt.Errorf("parameter %s: default %g outside [%g, %g]", name, r.Default, r.Min, r.Max)
		}
		if r.Step < 0 {
			return fmt.Errorf("parameter %s: negative step", name)
		}
	}
	return nil
}

func validateRange(r []float64) error {
	if len(r) == 0 {
		return nil
	}
	if len(r) != 2 || r[0] >= r[1] {
		return fmt.Errorf("x_range must be [min, max] with min < max")
	}
	return nil
}

type PlotContent struct {
	Figure       map[string]any `json:"figure,omitempty"`
	FunctionExpr string         `json:"function_expr,omitempty"`
	Parameters   Params         `json:"parameters,omitempty"`
	XRange       []float64      `json:"x_range,omitempty"`
	Title        string         `json:"title,omitempty"`
}

func (*PlotContent) SpecType() SpecType { return SpecPlot }

func (c *PlotContent) Validate() error {
	if c.Figure == nil && strings.TrimSpace(c.FunctionExpr) == "" {
		return fmt.Errorf("plot requires figure or function_expr")
	}
	if err := validateRange(c.XRange); err != nil {
		return err
	}
	return c.Parameters.validate()
}

type AnimationContent struct {
	SceneCode string `json:"scene_code"`
	SceneName string `json:"scene_name,omitempty"`
	Quality   string `json:"quality,omitempty"`
}

func (*AnimationContent) SpecType() SpecType { return SpecAnimation }

func (c *AnimationContent) Validate() error {
	if strings.TrimSpace(c.SceneCode) == "" {
		return fmt.Errorf("animation requires scene_code")
	}
	switch c.Quality {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown quality %q", c.Quality)
	}
	return nil
}

type ScriptContent struct {
	FunctionExpr string    `json:"function_expr"`
	Parameters   Params    `json:"parameters,omitempty"`
	XRange       []float64 `json:"x_range,omitempty"`
	Title        string    `json:"title,omitempty"`
}

func (*ScriptContent) SpecType() SpecType { return SpecInteractiveScript }

func (c *ScriptContent) Validate() error {
	if strings.TrimSpace(c.FunctionExpr) == "" {
		return fmt.Errorf("interactive_script requires function_expr")
	}
	if err := validateRange(c.XRange); err != nil {
		return err
	}
	return c.Parameters.validate()
}

type SceneContent struct {
	SceneSetupCode string `json:"scene_setup_code"`
	AnimationCode  string `json:"animation_code,omitempty"`
	Title          string `json:"title,omitempty"`
}

func (*SceneContent) SpecType() SpecType { return SpecScripted3D }

func (c *SceneContent) Validate() error {
	if strings.TrimSpace(c.SceneSetupCode) == "" {
		return fmt.Errorf("scripted_3d requires scene_setup_code")
	}
	return nil
}

// VizSpec is the structured visualization a provider asks for. Content is nil
// for text_only; for an unrecognized Type the payload is kept verbatim in Raw.
type VizSpec struct {
	Type        SpecType
	Explanation string
	Content     Content
	Raw         json.RawMessage
}

func TextSpec(explanation string) *VizSpec {
	return &VizSpec{Type: SpecTextOnly, Explanation: explanation}
}

type vizSpecJSON struct {
	Type        string          `json:"type"`
	Explanation string          `json:"explanation"`
	Content     json.RawMessage `json:"content,omitempty"`
}

func (s VizSpec) MarshalJSON() ([]byte, error) {
	out := vizSpecJSON{Type: string(s.Type), Explanation: s.Explanation, Content: s.Raw}
	if s.Content != nil {
		data, err := json.Marshal(s.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal %s content: %w", s.Type, err)
		}
		out.Content = data
	}
	return json.Marshal(out)
}

func (s *VizSpec) UnmarshalJSON(data []byte) error {
	var in vizSpecJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}
	*s = VizSpec{Type: NormalizeSpecType(in.Type), Explanation: in.Explanation}

	var content Content
	switch s.Type {
	case SpecPlot:
		content = &PlotContent{}
	case SpecAnimation:
		content = &AnimationContent{}
	case SpecInteractiveScript:
		content = &ScriptContent{}
	case SpecScripted3D:
		content = &SceneContent{}
	default:
		if !emptyJSON(in.Content) {
			s.Raw = in.Content
		}
		return nil
	}
	if emptyJSON(in.Content) {
		return nil
	}
	if err := json.Unmarshal(in.Content, content); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrMalformedSpec, s.Type, err)
	}
	s.Content = content
	return nil
}

// Validate enforces the per-type mandatory fields. Unknown types pass; the
// renderer registry decides what to do with them.
func (s *VizSpec) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedSpec)
	}
	if !s.Type.Known() {
		return nil
	}
	if s.Type == SpecTextOnly {
		if s.Content != nil || !emptyJSON(s.Raw) {
			return fmt.Errorf("%w: text_only spec carries content", ErrMalformedSpec)
		}
		return nil
	}
	if s.Content == nil {
		return fmt.Errorf("%w: %s spec has no content", ErrMalformedSpec, s.Type)
	}
	if s.Content.SpecType() != s.Type {
		return fmt.Errorf("%w: %s spec carries %s content", ErrMalformedSpec, s.Type, s.Content.SpecType())
	}
	if err := s.Content.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}
	return nil
}

// ParseSpec decodes and validates a spec from its JSON form.
func ParseSpec(data []byte) (*VizSpec, error) {
	var s VizSpec
	if err := json.Unmarshal(data, &s); err != nil {
		if errors.Is(err, ErrMalformedSpec) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func emptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}
