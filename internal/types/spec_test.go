package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSpecPlot(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"type":"plotly","explanation":"A sine wave","content":{"function_expr":"Math.sin(x)"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Type != SpecPlot {
		t.Errorf("expected type plot, got %s", spec.Type)
	}
	plot, ok := spec.Content.(*PlotContent)
	if !ok {
		t.Fatalf("expected *PlotContent, got %T", spec.Content)
	}
	if plot.FunctionExpr != "Math.sin(x)" {
		t.Errorf("unexpected function_expr %q", plot.FunctionExpr)
	}
}

func TestParseSpecAliases(t *testing.T) {
	tests := []struct {
		in   string
		want SpecType
	}{
		{"manim", SpecAnimation},
		{"interactive_js", SpecInteractiveScript},
		{"three_js", SpecScripted3D},
		{"text_explanation", SpecTextOnly},
		{" Plot ", SpecPlot},
		{"hologram", SpecType("hologram")},
	}
	for _, tt := range tests {
		if got := NormalizeSpecType(tt.in); got != tt.want {
			t.Errorf("NormalizeSpecType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSpecMissingMandatoryField(t *testing.T) {
	inputs := []string{
		`{"type":"plot","explanation":"x","content":{}}`,
		`{"type":"animation","explanation":"x","content":{"scene_code":"  "}}`,
		`{"type":"interactive_script","explanation":"x","content":{"parameters":{"a":{"min":0,"max":1,"default":0.5}}}}`,
		`{"type":"scripted_3d","explanation":"x"}`,
		`{"type":"text_only","explanation":"x","content":{"function_expr":"x"}}`,
		`{"explanation":"no type"}`,
		`{"type":"plot","content":{"function_expr":1}}`,
		`not json`,
	}
	for _, in := range inputs {
		_, err := ParseSpec([]byte(in))
		if err == nil {
			t.Errorf("ParseSpec(%s) succeeded, want error", in)
			continue
		}
		if !errors.Is(err, ErrMalformedSpec) {
			t.Errorf("ParseSpec(%s) error %v is not ErrMalformedSpec", in, err)
		}
	}
}

func TestParseSpecParameterBounds(t *testing.T) {
	_, err := ParseSpec([]byte(`{"type":"interactive_script","explanation":"x","content":{"function_expr":"a*x","parameters":{"a":{"min":0,"max":1,"default":3}}}}`))
	if !errors.Is(err, ErrMalformedSpec) {
		t.Errorf("expected ErrMalformedSpec for out-of-range default, got %v", err)
	}
}

func TestParseSpecUnknownTypeKeepsContent(t *testing.T) {
	spec, err := ParseSpec([]byte(`{"type":"hologram","explanation":"x","content":{"beam":2}}`))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Type.Known() {
		t.Error("expected unknown type")
	}
	if string(spec.Raw) != `{"beam":2}` {
		t.Errorf("unexpected raw content %s", spec.Raw)
	}
}

func TestVizSpecRoundTrip(t *testing.T) {
	specs := []*VizSpec{
		TextSpec("just words"),
		{Type: SpecPlot, Explanation: "p", Content: &PlotContent{
			FunctionExpr: "a*Math.sin(x)",
			Parameters:   Params{"a": {Min: 0, Max: 2, Default: 1, Step: 0.1, Label: "amplitude"}},
			XRange:       []float64{-3, 3},
		}},
		{Type: SpecAnimation, Explanation: "a", Content: &AnimationContent{SceneCode: "class GeneratedScene(Scene): pass", Quality: "low"}},
		{Type: SpecScripted3D, Explanation: "s", Content: &SceneContent{SceneSetupCode: "scene.add(cube)", AnimationCode: "cube.rotation.x += 0.01"}},
		{Type: SpecType("hologram"), Explanation: "h", Raw: json.RawMessage(`{"beam":2}`)},
	}
	for _, want := range specs {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatal(err)
		}
		var got VizSpec
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, &got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", want.Type, diff)
		}
	}
}
