// Package source materialises build contexts from local directories and git
// repositories.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Fetcher implements ports.SourceFetcher.
type Fetcher struct {
	logger *log.Logger
	tmpDir string
}

// NewFetcher creates a fetcher that clones repositories under tmpDir, or the
// system temp directory when tmpDir is empty.
func NewFetcher(tmpDir string, logger *log.Logger) *Fetcher {
	return &Fetcher{logger: logger.WithPrefix("source"), tmpDir: tmpDir}
}

// Fetch returns a build context for spec. Cloned contexts are removed by
// BuildContext.Close; local ones are left untouched.
func (f *Fetcher) Fetch(ctx context.Context, spec domain.SourceSpec) (domain.BuildContext, error) {
	switch {
	case spec.RepoURL != "" && spec.Path != "":
		return domain.BuildContext{}, fmt.Errorf("%w: context path and repository are mutually exclusive", domain.ErrInvalidRecipe)
	case spec.RepoURL != "":
		return f.clone(ctx, spec)
	case spec.Path != "":
		dir, err := local(spec.Path, spec.SubDir)
		if err != nil {
			return domain.BuildContext{}, err
		}
		return domain.BuildContext{Dir: dir}, nil
	}
	return domain.BuildContext{}, fmt.Errorf("%w: no build context given", domain.ErrInvalidRecipe)
}

func local(path, sub string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if sub != "" {
		if dir, err = securejoin.SecureJoin(dir, sub); err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", sub, err)
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: build context %s: %v", domain.ErrSourceMissing, dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: build context %s is not a directory", domain.ErrSourceMissing, dir)
	}
	return dir, nil
}

// clone performs a shallow clone of spec.RepoURL at spec.Ref (a branch or tag
// name; the remote HEAD when empty).
func (f *Fetcher) clone(ctx context.Context, spec domain.SourceSpec) (domain.BuildContext, error) {
	tmpDir, err := os.MkdirTemp(f.tmpDir, "lighthouse-build-*")
	if err != nil {
		return domain.BuildContext{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() error { return os.RemoveAll(tmpDir) }

	f.logger.Info("cloning repository", "url", spec.RepoURL, "ref", spec.Ref)
	opts := &git.CloneOptions{
		URL:          spec.RepoURL,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if !isLocalRepo(spec.RepoURL) {
		opts.Depth = 1 // Shallow clone for speed
	}

	_, err = git.PlainCloneContext(ctx, tmpDir, false, withRef(opts, spec.Ref, plumbing.NewBranchReferenceName))
	if err != nil && spec.Ref != "" && !strings.HasPrefix(spec.Ref, "refs/") {
		// the ref may name a tag rather than a branch
		os.RemoveAll(tmpDir)
		if err := os.MkdirAll(tmpDir, 0o700); err != nil {
			return domain.BuildContext{}, err
		}
		_, err = git.PlainCloneContext(ctx, tmpDir, false, withRef(opts, spec.Ref, plumbing.NewTagReferenceName))
	}
	if err != nil {
		cleanup()
		return domain.BuildContext{}, fmt.Errorf("%w: failed to clone %s: %v", domain.ErrSourceMissing, spec.RepoURL, err)
	}

	dir, err := local(tmpDir, spec.SubDir)
	if err != nil {
		cleanup()
		return domain.BuildContext{}, err
	}
	return domain.BuildContext{Dir: dir, Cleanup: cleanup}, nil
}

func withRef(opts *git.CloneOptions, ref string, name func(string) plumbing.ReferenceName) *git.CloneOptions {
	o := *opts
	switch {
	case ref == "":
	case strings.HasPrefix(ref, "refs/"):
		o.ReferenceName = plumbing.ReferenceName(ref)
	default:
		o.ReferenceName = name(ref)
	}
	return &o
}

// isLocalRepo reports whether url names a repository on this machine. Local
// clones are never shallow.
func isLocalRepo(url string) bool {
	return strings.HasPrefix(url, "file://") || filepath.IsAbs(url)
}
