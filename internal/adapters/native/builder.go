// Package native builds and launches images without a container daemon.
//
// Images live in the local store. Builds stage a root filesystem in a scratch
// directory and record each directive's filesystem diff as a layer. Launches
// extract a fresh root filesystem per instance and run the start command as a
// host process whose working directory is inside it.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"

	"github.com/melih/lighthouse/internal/adapters/store"
	"github.com/melih/lighthouse/internal/core/domain"
)

// Builder implements ports.BuilderService against the local store.
type Builder struct {
	store  *store.Store
	logger *log.Logger
}

// NewBuilder creates a native builder writing into s.
func NewBuilder(s *store.Store, logger *log.Logger) *Builder {
	return &Builder{store: s, logger: logger.WithPrefix("build")}
}

// build is the mutable state of one build. Nothing in it is visible outside
// the build until commit.
type build struct {
	opts   domain.BuildOptions
	out    io.Writer
	ctxFS  *contextFS
	rootfs string
	chain  digest.Digest
	config domain.ImageConfig
	layers []domain.Layer
	lease  *store.Lease
	cache  map[digest.Digest]digest.Digest
	steps  []domain.StepResult
}

// Build executes recipe strictly in order. Any failing directive aborts the
// build, removes the layers this build wrote and publishes nothing.
func (b *Builder) Build(ctx context.Context, recipe domain.Recipe, bc domain.BuildContext, opts domain.BuildOptions) (domain.BuildResult, error) {
	rec := recipe.Clone()
	if err := rec.Validate(); err != nil {
		return domain.BuildResult{}, err
	}

	ctxFS, err := openContext(bc.Dir)
	if err != nil {
		return domain.BuildResult{}, err
	}
	stage, err := b.store.TempDir("build-*")
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	st := &build{
		opts:   opts,
		out:    opts.Output,
		ctxFS:  ctxFS,
		rootfs: filepath.Join(stage, "rootfs"),
		config: domain.ImageConfig{WorkingDir: domain.DefaultWorkingDir},
		cache:  make(map[digest.Digest]digest.Digest),
		lease:  b.store.NewLease(),
	}
	defer st.lease.Release()
	if st.out == nil {
		st.out = io.Discard
	}
	if err := os.MkdirAll(st.rootfs, 0o755); err != nil {
		return domain.BuildResult{}, err
	}

	total := len(rec.Directives)
	for i, d := range rec.Directives {
		if err := ctx.Err(); err != nil {
			return domain.BuildResult{}, b.abort(st, i+1, d, err)
		}
		fmt.Fprintf(st.out, "Step %d/%d : %s\n", i+1, total, d.String())
		start := time.Now()

		res, err := b.step(ctx, st, d)
		if err != nil {
			return domain.BuildResult{}, b.abort(st, i+1, d, err)
		}
		res.Index, res.Directive, res.Duration = i+1, d.String(), time.Since(start)
		st.steps = append(st.steps, res)

		switch {
		case res.Cached:
			fmt.Fprintf(st.out, " ---> Using cache %s\n", shortDigest(res.Layer))
		case res.Layer != "":
			fmt.Fprintf(st.out, " ---> %s\n", shortDigest(res.Layer))
		}
	}

	img, err := b.store.Commit(ctx, store.Commit{
		Tag:    opts.Tag,
		Config: st.config,
		Layers: st.layers,
		Cache:  st.cache,
	})
	if err != nil {
		return domain.BuildResult{}, b.abort(st, total, rec.Directives[total-1], err)
	}
	fmt.Fprintf(st.out, "Successfully built %s\n", shortDigest(img.ID))
	b.logger.Info("image built", "id", shortDigest(img.ID), "tag", opts.Tag, "layers", len(img.Layers), "size", units.HumanSize(float64(img.Size)))

	return domain.BuildResult{Image: img, Steps: st.steps}, nil
}

func (b *Builder) abort(st *build, step int, d domain.Directive, err error) error {
	if derr := st.lease.Discard(); derr != nil {
		b.logger.Warn("failed to discard layers of aborted build", "err", derr)
	}
	b.logger.Error("build failed", "step", step, "directive", d.String(), "err", err)
	return &domain.BuildError{Step: step, Directive: d, Err: err}
}

func (b *Builder) step(ctx context.Context, st *build, d domain.Directive) (domain.StepResult, error) {
	switch d.Kind {
	case domain.DirectiveFrom:
		return domain.StepResult{}, b.from(ctx, st, d)

	case domain.DirectiveWorkdir:
		wd := domain.ResolvePath(st.config.WorkingDir, d.Path)
		key := st.nextKey(d, "")
		st.config.WorkingDir = wd
		return b.layerStep(st, d, key, func() error {
			return os.MkdirAll(filepath.Join(st.rootfs, filepath.FromSlash(wd)), 0o755)
		})

	case domain.DirectiveCopy:
		items, err := st.ctxFS.plan(d, st.config.WorkingDir)
		if err != nil {
			return domain.StepResult{}, err
		}
		content, err := digestItems(items)
		if err != nil {
			return domain.StepResult{}, fmt.Errorf("failed to read build context: %w", err)
		}
		key := st.nextKey(d, content.String())
		return b.layerStep(st, d, key, func() error {
			return applyCopy(st.rootfs, items)
		})

	case domain.DirectiveRun:
		key := st.nextKey(d, "")
		return b.layerStep(st, d, key, func() error {
			return runDirective(ctx, d, st.rootfs, st.config.WorkingDir, st.config.Env, st.out)
		})

	case domain.DirectiveExpose:
		st.config.ExposedPort, st.config.Protocol = d.Port, d.Protocol
		if st.config.Protocol == "" {
			st.config.Protocol = domain.ProtocolTCP
		}
		st.nextKey(d, "")
		return domain.StepResult{}, nil

	case domain.DirectiveCmd:
		st.config.Cmd = d.Argv()
		st.nextKey(d, "")
		return domain.StepResult{}, nil
	}
	return domain.StepResult{}, fmt.Errorf("%w: unknown directive kind %q", domain.ErrInvalidRecipe, d.Kind)
}

func (b *Builder) from(ctx context.Context, st *build, d domain.Directive) error {
	st.config.BaseRuntime = d.Image
	if d.Image == domain.ScratchImage {
		st.chain = digest.FromString(domain.ScratchImage)
		return nil
	}
	if _, err := domain.ParseBaseRuntime(d.Image); err != nil {
		return err
	}

	base, err := b.store.GetImage(ctx, d.Image)
	if err != nil {
		if errors.Is(err, domain.ErrImageNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrBaseUnavailable, d.Image)
		}
		return fmt.Errorf("%w: %v", domain.ErrBaseUnavailable, err)
	}
	if err := b.store.Extract(ctx, base, st.rootfs); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBaseUnavailable, err)
	}

	st.chain = digest.Digest(base.ID)
	st.layers = append(st.layers, base.Layers...)
	st.config.Env = append([]string(nil), base.Config.Env...)
	if base.Config.WorkingDir != "" {
		st.config.WorkingDir = base.Config.WorkingDir
	}
	return nil
}

// nextKey advances the step chain. A step's key covers every earlier step, the
// working directory it runs in and, for copies, the content copied.
func (st *build) nextKey(d domain.Directive, extra string) digest.Digest {
	st.chain = digest.FromString(fmt.Sprintf("%s\n%s\n%s\n%s", st.chain, st.config.WorkingDir, d.String(), extra))
	return st.chain
}

// layerStep runs mutate against the staged root filesystem and records the
// resulting diff as a layer, or replays a cached layer for the same key.
func (b *Builder) layerStep(st *build, d domain.Directive, key digest.Digest, mutate func() error) (domain.StepResult, error) {
	if !st.opts.NoCache {
		if layer, ok := b.store.CacheLookup(key); ok {
			if err := b.replay(st, d, layer); err != nil {
				return domain.StepResult{}, fmt.Errorf("failed to replay cached layer %s: %w", shortDigest(layer.String()), err)
			}
			b.logger.Debug("cache hit", "directive", d.String(), "layer", shortDigest(layer.String()))
			return domain.StepResult{Layer: layer.String(), Cached: true}, nil
		}
	}

	before, err := store.TakeSnapshot(st.rootfs)
	if err != nil {
		return domain.StepResult{}, err
	}
	if err := mutate(); err != nil {
		return domain.StepResult{}, err
	}
	after, err := store.TakeSnapshot(st.rootfs)
	if err != nil {
		return domain.StepResult{}, err
	}
	changes := store.Diff(before, after)
	if len(changes) == 0 {
		return domain.StepResult{}, nil
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.CloseWithError(store.WriteLayer(pw, st.rootfs, after, changes))
	}()
	layer, size, err := st.lease.WriteBlob(pr)
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("failed to write layer: %w", err)
	}

	st.cache[key] = layer
	st.layers = append(st.layers, domain.Layer{Digest: layer.String(), Size: size, CreatedBy: d.String()})
	return domain.StepResult{Layer: layer.String()}, nil
}

func (b *Builder) replay(st *build, d domain.Directive, layer digest.Digest) error {
	if err := st.lease.Hold(layer); err != nil {
		return err
	}
	size, err := b.store.BlobSize(layer)
	if err != nil {
		return err
	}
	rc, err := b.store.OpenBlob(layer)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := store.ApplyLayer(st.rootfs, rc); err != nil {
		return err
	}
	st.layers = append(st.layers, domain.Layer{Digest: layer.String(), Size: size, CreatedBy: d.String()})
	return nil
}

// Import registers rootfs as a base runtime image.
func (b *Builder) Import(ctx context.Context, tag string, rootfs string) (domain.Image, error) {
	img, err := b.store.Import(ctx, tag, rootfs)
	if err != nil {
		return domain.Image{}, err
	}
	b.logger.Info("base runtime imported", "tag", tag, "id", shortDigest(img.ID))
	return img, nil
}

func shortDigest(d string) string {
	if parsed, err := digest.Parse(d); err == nil {
		d = parsed.Encoded()
	}
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
