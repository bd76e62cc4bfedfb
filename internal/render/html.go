package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"slices"

	"github.com/user/vizlearn/internal/types"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	defaultXMin    = -10.0
	defaultXMax    = 10.0
	defaultSamples = 400
)

func executePage(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("%w: execute %s: %v", types.ErrRender, name, err)
	}
	return buf.Bytes(), nil
}

func xRange(r []float64) [2]float64 {
	if len(r) == 2 {
		return [2]float64{r[0], r[1]}
	}
	return [2]float64{defaultXMin, defaultXMax}
}

type sliderParam struct {
	Name string
	types.ParamRange
}

// sortedParams returns parameters in name order so output is deterministic.
func sortedParams(p types.Params) []sliderParam {
	out := make([]sliderParam, 0, len(p))
	for name, r := range p {
		if r.Step == 0 {
			r.Step = (r.Max - r.Min) / 100
		}
		if r.Label == "" {
			r.Label = name
		}
		out = append(out, sliderParam{Name: name, ParamRange: r})
	}
	slices.SortFunc(out, func(a, b sliderParam) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func defaults(params []sliderParam) map[string]float64 {
	out := make(map[string]float64, len(params))
	for _, p := range params {
		out[p.Name] = p.Default
	}
	return out
}

// PlotRenderer writes a Plotly page. A figure is embedded as is; a function
// expression is sampled in the page over x_range.
type PlotRenderer struct {
	sink ArtifactSink
}

func NewPlotRenderer(sink ArtifactSink) *PlotRenderer {
	return &PlotRenderer{sink: sink}
}

func (r *PlotRenderer) Render(ctx context.Context, content types.Content) (types.ArtifactRef, error) {
	c, ok := content.(*types.PlotContent)
	if !ok {
		return types.NoArtifact(), unexpectedContent(types.SpecPlot, content)
	}
	if err := c.Validate(); err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}

	params := sortedParams(c.Parameters)
	page, err := executePage("plot.html", map[string]any{
		"Title":    c.Title,
		"Figure":   c.Figure,
		"Expr":     c.FunctionExpr,
		"XRange":   xRange(c.XRange),
		"Samples":  defaultSamples,
		"Defaults": defaults(params),
	})
	if err != nil {
		return types.NoArtifact(), err
	}
	return r.write(ctx, c, page)
}

func (r *PlotRenderer) write(ctx context.Context, c *types.PlotContent, page []byte) (types.ArtifactRef, error) {
	name, err := artifactName("plot", types.SpecPlot, c, "html")
	if err != nil {
		return types.NoArtifact(), err
	}
	url, err := r.sink.Put(ctx, name, page)
	if err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	return types.ArtifactRef{Kind: types.ArtifactPlot, Ref: url}, nil
}

// ScriptRenderer writes an interactive canvas page with one slider per parameter.
type ScriptRenderer struct {
	sink ArtifactSink
}

func NewScriptRenderer(sink ArtifactSink) *ScriptRenderer {
	return &ScriptRenderer{sink: sink}
}

func (r *ScriptRenderer) Render(ctx context.Context, content types.Content) (types.ArtifactRef, error) {
	c, ok := content.(*types.ScriptContent)
	if !ok {
		return types.NoArtifact(), unexpectedContent(types.SpecInteractiveScript, content)
	}
	if err := c.Validate(); err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}

	params := sortedParams(c.Parameters)
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	page, err := executePage("script.html", map[string]any{
		"Title":    c.Title,
		"Expr":     c.FunctionExpr,
		"Params":   params,
		"Names":    names,
		"Defaults": defaults(params),
		"XRange":   xRange(c.XRange),
	})
	if err != nil {
		return types.NoArtifact(), err
	}

	name, err := artifactName("interactive", types.SpecInteractiveScript, c, "html")
	if err != nil {
		return types.NoArtifact(), err
	}
	url, err := r.sink.Put(ctx, name, page)
	if err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	return types.ArtifactRef{Kind: types.ArtifactHTML, Ref: url}, nil
}

// SceneRenderer writes a three.js page running the scene setup code once and
// the animation code every frame.
type SceneRenderer struct {
	sink ArtifactSink
}

func NewSceneRenderer(sink ArtifactSink) *SceneRenderer {
	return &SceneRenderer{sink: sink}
}

func (r *SceneRenderer) Render(ctx context.Context, content types.Content) (types.ArtifactRef, error) {
	c, ok := content.(*types.SceneContent)
	if !ok {
		return types.NoArtifact(), unexpectedContent(types.SpecScripted3D, content)
	}
	if err := c.Validate(); err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}

	title := c.Title
	if title == "" {
		title = "3D Visualization"
	}
	page, err := executePage("scene.html", map[string]any{
		"Title": title,
		// Scene code is model-authored JavaScript and runs as is.
		"Setup":     template.JS(c.SceneSetupCode),
		"Animation": template.JS(c.AnimationCode),
	})
	if err != nil {
		return types.NoArtifact(), err
	}

	name, err := artifactName("scene", types.SpecScripted3D, c, "html")
	if err != nil {
		return types.NoArtifact(), err
	}
	url, err := r.sink.Put(ctx, name, page)
	if err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	return types.ArtifactRef{Kind: types.ArtifactHTML, Ref: url}, nil
}
