package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/recipe"
)

// dockerfileName is where the rendered recipe is placed inside the build
// context sent to the daemon.
const dockerfileName = ".lighthouse.Dockerfile"

// Build renders recipe to a Dockerfile and builds it with the daemon. Errors
// reported in the build stream fail the build.
func (a *Adapter) Build(ctx context.Context, rec domain.Recipe, bc domain.BuildContext, opts domain.BuildOptions) (domain.BuildResult, error) {
	rec = rec.Clone()
	dockerfile, err := recipe.Render(rec)
	if err != nil {
		return domain.BuildResult{}, err
	}

	var tags []string
	if opts.Tag != "" {
		tag, err := domain.NormalizeTag(opts.Tag)
		if err != nil {
			return domain.BuildResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidRecipe, err)
		}
		tags = append(tags, tag)
	}

	buildCtx, err := contextTar(bc.Dir, dockerfile)
	if err != nil {
		return domain.BuildResult{}, err
	}
	defer buildCtx.Close()

	a.logger.Info("building image", "tag", opts.Tag, "context", bc.Dir)
	resp, err := a.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  dockerfileName,
		NoCache:     opts.NoCache,
		Remove:      true, // Remove intermediate containers
		ForceRemove: true,
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelBaseRuntime: rec.BaseRuntime(),
		},
	})
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	progress := newStepWriter(out)
	var imageID string
	aux := func(msg jsonmessage.JSONMessage) {
		var res types.BuildResult
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &res) == nil && res.ID != "" {
			imageID = res.ID
		}
	}
	streamErr := jsonmessage.DisplayJSONMessagesStream(resp.Body, progress, 0, false, aux)
	progress.Flush()
	if streamErr != nil {
		step := progress.Current()
		if step < 1 || step > len(rec.Directives) {
			step = 1
		}
		var jerr *jsonmessage.JSONError
		if errors.As(streamErr, &jerr) {
			streamErr = classifyBuild(jerr.Message)
		}
		a.logger.Error("build failed", "step", step, "err", streamErr)
		return domain.BuildResult{}, &domain.BuildError{Step: step, Directive: rec.Directives[step-1], Err: streamErr}
	}

	ref := imageID
	if ref == "" && len(tags) > 0 {
		ref = tags[0]
	}
	if ref == "" {
		return domain.BuildResult{}, fmt.Errorf("build finished without reporting an image id")
	}
	img, err := a.GetImage(ctx, ref)
	if err != nil {
		return domain.BuildResult{}, err
	}
	a.logger.Info("image built", "id", shortID(img.ID), "tag", opts.Tag, "size", units.HumanSize(float64(img.Size)))
	return domain.BuildResult{Image: img, Steps: progress.Steps(rec)}, nil
}

// contextTar archives dir without the paths its .dockerignore excludes and
// adds the rendered recipe as dockerfileName.
func contextTar(dir string, dockerfile []byte) (io.ReadCloser, error) {
	excludes, err := readIgnore(dir)
	if err != nil {
		return nil, err
	}

	rd, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	return archive.ReplaceFileTarWrapper(rd, map[string]archive.TarModifierFunc{
		dockerfileName: func(_ string, _ *tar.Header, _ io.Reader) (*tar.Header, []byte, error) {
			return &tar.Header{
				Name:     dockerfileName,
				Mode:     0o600,
				Size:     int64(len(dockerfile)),
				ModTime:  time.Unix(0, 0),
				Typeflag: tar.TypeReg,
			}, dockerfile, nil
		},
	}), nil
}

func readIgnore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	return patterns, nil
}

var (
	stepLine  = regexp.MustCompile(`^Step (\d+)/\d+ : (.*)$`)
	layerLine = regexp.MustCompile(`^ ---> ([0-9a-f]{12,64})$`)
)

// stepWriter forwards the classic builder's progress text and records which
// step is running and whether it was served from cache.
type stepWriter struct {
	out     io.Writer
	buf     bytes.Buffer
	current int
	started map[int]time.Time
	steps   map[int]*domain.StepResult
}

func newStepWriter(out io.Writer) *stepWriter {
	return &stepWriter{out: out, started: map[int]time.Time{}, steps: map[int]*domain.StepResult{}}
}

func (w *stepWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	w.buf.Write(p[:n])
	for {
		line, rerr := w.buf.ReadString('\n')
		if rerr != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.observe(strings.TrimRight(line, "\r\n"))
	}
	return n, err
}

// Flush processes a trailing line without a newline.
func (w *stepWriter) Flush() {
	if w.buf.Len() > 0 {
		w.observe(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

func (w *stepWriter) observe(line string) {
	if m := stepLine.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[1])
		w.current = n
		w.started[n] = time.Now()
		w.steps[n] = &domain.StepResult{Index: n, Directive: m[2]}
		return
	}
	s := w.steps[w.current]
	if s == nil {
		return
	}
	if line == " ---> Using cache" {
		s.Cached = true
		return
	}
	if m := layerLine.FindStringSubmatch(line); m != nil {
		s.Layer = m[1]
		s.Duration = time.Since(w.started[w.current])
	}
}

// Current is the step the daemon reported last.
func (w *stepWriter) Current() int { return w.current }

// Steps returns one result per directive of rec, in order.
func (w *stepWriter) Steps(rec domain.Recipe) []domain.StepResult {
	out := make([]domain.StepResult, 0, len(rec.Directives))
	for i, d := range rec.Directives {
		if s, ok := w.steps[i+1]; ok {
			out = append(out, *s)
			continue
		}
		out = append(out, domain.StepResult{Index: i + 1, Directive: d.String()})
	}
	return out
}
