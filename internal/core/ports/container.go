package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse/internal/core/domain"
)

// ContainerService launches and manages container instances.
// This interface allows us to switch between the native process launcher and
// Docker without changing the business logic.
type ContainerService interface {
	StartContainer(ctx context.Context, image string, opts domain.LaunchOptions) (domain.Container, error)
	ListContainers(ctx context.Context) ([]domain.Container, error)
	GetContainer(ctx context.Context, id string) (domain.Container, error)
	StopContainer(ctx context.Context, id string) error
	GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
}
