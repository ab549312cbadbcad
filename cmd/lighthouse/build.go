package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

type buildOptions struct {
	tags    []string
	file    string
	noCache bool
	gitURL  string
	gitRef  string
}

func newBuildCmd(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build [flags] CONTEXT...",
		Short: "Build images from recipes",
		Long: `Build one image per build context. Each context holds its recipe
(Dockerfile by default, see --file). Several contexts are built concurrently.

With --git the context is cloned from a repository; a positional argument
then selects a directory inside the clone.`,
		Example: `  lighthouse build -t api:v1 .
  lighthouse build -t api:v1 -t worker:v1 ./api ./worker
  lighthouse build -t app:v2 --git https://github.com/acme/app.git --ref main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := opts.sources(args)
			if err != nil {
				return err
			}
			if len(opts.tags) > 0 && len(opts.tags) != len(specs) {
				return fmt.Errorf("%d tags given for %d build contexts", len(opts.tags), len(specs))
			}

			s, err := root.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			return runBuilds(cmd, s.engine.ImageService(s.logger.WithPrefix("images")), opts, specs)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.tags, "tag", "t", nil, "image tag, one per context")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "recipe file inside each context (default Dockerfile)")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "do not reuse cached layers")
	cmd.Flags().StringVar(&opts.gitURL, "git", "", "clone the build context from this repository")
	cmd.Flags().StringVar(&opts.gitRef, "ref", "", "branch or tag to clone (with --git)")
	return cmd
}

func (o *buildOptions) sources(args []string) ([]domain.SourceSpec, error) {
	if o.gitURL != "" {
		if len(args) > 1 {
			return nil, fmt.Errorf("--git accepts at most one sub directory")
		}
		spec := domain.SourceSpec{RepoURL: o.gitURL, Ref: o.gitRef}
		if len(args) == 1 {
			spec.SubDir = args[0]
		}
		return []domain.SourceSpec{spec}, nil
	}
	if o.gitRef != "" {
		return nil, fmt.Errorf("--ref requires --git")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one build context is required")
	}
	specs := make([]domain.SourceSpec, 0, len(args))
	for _, a := range args {
		specs = append(specs, domain.SourceSpec{Path: a})
	}
	return specs, nil
}

// runBuilds streams a single build directly. Concurrent builds buffer their
// output and print it once each finishes. A failing build does not stop its
// siblings; every failure is reported.
func runBuilds(cmd *cobra.Command, svc *services.ImageService, opts *buildOptions, specs []domain.SourceSpec) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	var mu sync.Mutex
	errs := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, spec := range specs {
		req := services.BuildRequest{RecipeFile: opts.file, Source: spec, NoCache: opts.noCache}
		if len(opts.tags) > 0 {
			req.Tag = opts.tags[i]
		}

		g.Go(func() error {
			var buf bytes.Buffer
			req.Output = &buf
			if len(specs) == 1 {
				req.Output = out
			}
			res, err := svc.Build(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if len(specs) > 1 {
				fmt.Fprintf(out, "==> %s\n", label(spec))
				io.Copy(out, &buf)
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", label(spec), err)
				return nil
			}
			printResult(out, req.Tag, res)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func label(spec domain.SourceSpec) string {
	if spec.RepoURL != "" {
		return spec.RepoURL
	}
	return spec.Path
}

func printResult(w io.Writer, tag string, res domain.BuildResult) {
	cached := 0
	for _, s := range res.Steps {
		if s.Cached {
			cached++
		}
	}
	if tag != "" {
		fmt.Fprintf(w, "Successfully tagged %s\n", tag)
	}
	fmt.Fprintf(w, "image %s  %s  %d layers  %d/%d steps cached\n",
		shortID(res.Image.ID), units.HumanSize(float64(res.Image.Size)), len(res.Image.Layers), cached, len(res.Steps))
}
