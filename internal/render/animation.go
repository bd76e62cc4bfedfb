package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/user/vizlearn/internal/types"
)

const (
	DefaultSceneName = "GeneratedScene"
	sceneFile        = "scene.py"
	outputName       = "output"
)

var sceneClass = regexp.MustCompile(`(?m)^class\s+(\w+)\s*\(`)

// SceneJob describes one Manim render inside WorkDir. ScriptPath and the
// returned video path are relative to WorkDir.
type SceneJob struct {
	WorkDir    string
	ScriptPath string
	SceneName  string
	Quality    string
}

// Args is the manim command line for the job.
func (j SceneJob) Args() []string {
	return []string{
		j.ScriptPath, j.SceneName,
		"-q", qualityFlag(j.Quality),
		"--format=mp4",
		"--media_dir", "media",
		"-o", outputName,
		"--progress_bar=none",
	}
}

func qualityFlag(q string) string {
	switch q {
	case "high":
		return "h"
	case "medium":
		return "m"
	default:
		return "l"
	}
}

// SceneRunner executes a Manim job and returns the produced video's path.
type SceneRunner interface {
	Run(ctx context.Context, job SceneJob) (string, error)
}

// AnimationRenderer renders Manim scenes to video through a SceneRunner.
type AnimationRenderer struct {
	runner  SceneRunner
	sink    ArtifactSink
	quality string
	tempDir string
}

// NewAnimationRenderer creates a renderer. quality applies when the content
// does not set one; tempDir holds per-render work directories ("" means the
// system default).
func NewAnimationRenderer(runner SceneRunner, sink ArtifactSink, quality, tempDir string) *AnimationRenderer {
	return &AnimationRenderer{runner: runner, sink: sink, quality: quality, tempDir: tempDir}
}

func (r *AnimationRenderer) Render(ctx context.Context, content types.Content) (types.ArtifactRef, error) {
	c, ok := content.(*types.AnimationContent)
	if !ok {
		return types.NoArtifact(), unexpectedContent(types.SpecAnimation, content)
	}
	if err := c.Validate(); err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}

	script, sceneName := buildScript(c)
	quality := c.Quality
	if quality == "" {
		quality = r.quality
	}

	workDir, err := os.MkdirTemp(r.tempDir, "vizlearn-manim-*")
	if err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: create work dir: %v", types.ErrRender, err)
	}
	defer os.RemoveAll(workDir)

	if err := os.WriteFile(filepath.Join(workDir, sceneFile), []byte(script), 0o644); err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: write scene: %v", types.ErrRender, err)
	}

	job := SceneJob{WorkDir: workDir, ScriptPath: sceneFile, SceneName: sceneName, Quality: quality}
	slog.Info("rendering animation", "scene", sceneName, "quality", quality)
	video, err := r.runner.Run(ctx, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRenderTimeout, err)
		}
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}

	name, err := artifactName("animation", types.SpecAnimation, c, "mp4")
	if err != nil {
		return types.NoArtifact(), err
	}
	url, err := r.sink.Import(ctx, name, filepath.Join(workDir, video))
	if err != nil {
		return types.NoArtifact(), fmt.Errorf("%w: %v", types.ErrRender, err)
	}
	return types.ArtifactRef{Kind: types.ArtifactVideo, Ref: url}, nil
}

// buildScript returns a runnable Manim module. Code that defines its own
// scene class is used as is; a bare construct body is wrapped in a scene.
func buildScript(c *types.AnimationContent) (script, sceneName string) {
	code := strings.TrimRight(c.SceneCode, "\n")
	if m := sceneClass.FindStringSubmatch(code); m != nil {
		name := m[1]
		if c.SceneName != "" && strings.Contains(code, "class "+c.SceneName) {
			name = c.SceneName
		}
		script = code + "\n"
		if !strings.Contains(code, "from manim import") && !strings.Contains(code, "import manim") {
			script = "from manim import *\n\n" + script
		}
		return script, name
	}

	name := c.SceneName
	if name == "" {
		name = DefaultSceneName
	}
	var b strings.Builder
	b.WriteString("from manim import *\nimport numpy as np\n\n\n")
	fmt.Fprintf(&b, "class %s(Scene):\n    def construct(self):\n", name)
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString("        " + line + "\n")
	}
	return b.String(), name
}

// findVideo locates the rendered mp4 under workDir and returns it relative to workDir.
func findVideo(workDir string) (string, error) {
	var found string
	err := filepath.WalkDir(filepath.Join(workDir, "media"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".mp4") && !strings.Contains(path, "partial_movie_files") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("find rendered video: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("manim produced no video")
	}
	return filepath.Rel(workDir, found)
}

// ExecRunner runs the manim binary on the host.
type ExecRunner struct {
	Binary string
}

func (r *ExecRunner) Run(ctx context.Context, job SceneJob) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "manim"
	}

	cmd := exec.CommandContext(ctx, bin, job.Args()...)
	cmd.Dir = job.WorkDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("manim: %w", ctxErr)
		}
		return "", fmt.Errorf("manim failed: %w\nOutput: %s", err, tail(output.String(), 2000))
	}
	return findVideo(job.WorkDir)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
