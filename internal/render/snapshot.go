package render

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/user/vizlearn/internal/types"
)

// ArtifactResolver maps an artifact URL to its file on disk.
type ArtifactResolver interface {
	Resolve(ref string) (string, error)
}

// Snapshotter captures PNG screenshots of HTML artifacts in a headless
// browser, for chat surfaces that cannot display HTML.
type Snapshotter struct {
	resolver   ArtifactResolver
	controlURL string
	settle     time.Duration
}

// NewSnapshotter creates a snapshotter. controlURL points at a running
// browser's DevTools endpoint; when empty a local headless browser is launched
// per snapshot.
func NewSnapshotter(resolver ArtifactResolver, controlURL string) *Snapshotter {
	return &Snapshotter{resolver: resolver, controlURL: controlURL, settle: 500 * time.Millisecond}
}

// Snapshot renders ref at the viewport size and returns the PNG bytes.
func (s *Snapshotter) Snapshot(ctx context.Context, ref types.ArtifactRef, viewport types.Viewport) ([]byte, error) {
	if ref.Kind != types.ArtifactHTML && ref.Kind != types.ArtifactPlot {
		return nil, fmt.Errorf("%w: cannot snapshot %s artifact", types.ErrRender, ref.Kind)
	}
	path, err := s.resolver.Resolve(ref.Ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = types.DefaultViewport
	}

	controlURL := s.controlURL
	if controlURL == "" {
		l := launcher.New().Headless(true).Context(ctx)
		defer l.Cleanup()
		controlURL, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("%w: launch browser: %v", types.ErrRender, err)
		}
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect to browser: %v", types.ErrRender, err)
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("%w: create page: %v", types.ErrRender, err)
	}
	defer page.Close()

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             viewport.Width,
		Height:            viewport.Height,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("%w: set viewport: %v", types.ErrRender, err)
	}

	target := (&url.URL{Scheme: "file", Path: abs}).String()
	if err := page.Navigate(target); err != nil {
		return nil, fmt.Errorf("%w: navigate: %v", types.ErrRender, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: wait load: %v", types.ErrRender, err)
	}
	// Let client-side plotting finish drawing.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrRenderTimeout, ctx.Err())
	case <-time.After(s.settle):
	}

	img, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", types.ErrRender, err)
	}
	return img, nil
}
