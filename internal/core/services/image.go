// Package services composes the ports into the operations exposed by the API
// and the CLI.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/recipe"
)

// BuildRequest describes one build. Exactly one of Recipe and Dockerfile may be
// set; when neither is, the recipe is read from RecipeFile inside the context.
type BuildRequest struct {
	Tag        string
	Recipe     *domain.Recipe
	Dockerfile string
	RecipeFile string
	Source     domain.SourceSpec
	NoCache    bool
	Output     io.Writer
}

// ImageService fetches build contexts and builds recipes against them.
type ImageService struct {
	builder ports.BuilderService
	images  ports.ImageStore
	sources ports.SourceFetcher
	logger  *log.Logger
}

func NewImageService(builder ports.BuilderService, images ports.ImageStore, sources ports.SourceFetcher, logger *log.Logger) *ImageService {
	return &ImageService{builder: builder, images: images, sources: sources, logger: logger}
}

// Build fetches the context, resolves the recipe and builds it. The context is
// released when the build returns.
func (s *ImageService) Build(ctx context.Context, req BuildRequest) (domain.BuildResult, error) {
	if req.Recipe != nil && strings.TrimSpace(req.Dockerfile) != "" {
		return domain.BuildResult{}, fmt.Errorf("%w: give either a recipe or a dockerfile, not both", domain.ErrInvalidRecipe)
	}
	if req.Tag != "" {
		if _, err := domain.NormalizeTag(req.Tag); err != nil {
			return domain.BuildResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidRecipe, err)
		}
	}

	bc, err := s.sources.Fetch(ctx, req.Source)
	if err != nil {
		return domain.BuildResult{}, err
	}
	defer func() {
		if err := bc.Close(); err != nil {
			s.logger.Warn("failed to release build context", "dir", bc.Dir, "err", err)
		}
	}()

	rec, err := s.resolveRecipe(req, bc)
	if err != nil {
		return domain.BuildResult{}, err
	}
	return s.builder.Build(ctx, rec, bc, domain.BuildOptions{Tag: req.Tag, NoCache: req.NoCache, Output: req.Output})
}

func (s *ImageService) resolveRecipe(req BuildRequest, bc domain.BuildContext) (domain.Recipe, error) {
	switch {
	case req.Recipe != nil:
		rec := req.Recipe.Clone()
		return rec, rec.Validate()
	case strings.TrimSpace(req.Dockerfile) != "":
		return recipe.Parse(strings.NewReader(req.Dockerfile))
	}

	name := req.RecipeFile
	if name == "" {
		name = recipe.DefaultFile
	}
	path, err := securejoin.SecureJoin(bc.Dir, name)
	if err != nil {
		return domain.Recipe{}, fmt.Errorf("%w: %v", domain.ErrInvalidRecipe, err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return domain.Recipe{}, fmt.Errorf("%w: no %s in build context", domain.ErrInvalidRecipe, name)
	}
	return recipe.ParseFile(path)
}

func (s *ImageService) GetImage(ctx context.Context, ref string) (domain.Image, error) {
	return s.images.GetImage(ctx, ref)
}

func (s *ImageService) ListImages(ctx context.Context) ([]domain.Image, error) {
	return s.images.ListImages(ctx)
}
