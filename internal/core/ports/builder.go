package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// BuilderService executes recipes into built images.
type BuilderService interface {
	// Build executes every directive of recipe against the build context in order.
	// Nothing is published unless every directive succeeds.
	Build(ctx context.Context, recipe domain.Recipe, buildCtx domain.BuildContext, opts domain.BuildOptions) (domain.BuildResult, error)
}

// ImageStore reads published images.
type ImageStore interface {
	GetImage(ctx context.Context, ref string) (domain.Image, error)
	ListImages(ctx context.Context) ([]domain.Image, error)
}

// Importer registers a root filesystem directory as a base runtime image.
type Importer interface {
	Import(ctx context.Context, tag string, rootfs string) (domain.Image, error)
}

// SourceFetcher materialises a build context on the local filesystem.
type SourceFetcher interface {
	Fetch(ctx context.Context, spec domain.SourceSpec) (domain.BuildContext, error)
}
