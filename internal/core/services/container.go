package services

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// LaunchRequest is a caller's request to start an image.
type LaunchRequest struct {
	Image   string   `json:"image"`
	Name    string   `json:"name"`
	Publish string   `json:"publish"`
	Env     []string `json:"env"`
}

// ContainerService validates launch requests and resolves running containers
// for the proxy.
type ContainerService struct {
	launcher ports.ContainerService
	logger   *log.Logger
}

func NewContainerService(launcher ports.ContainerService, logger *log.Logger) *ContainerService {
	return &ContainerService{launcher: launcher, logger: logger}
}

// Start launches req.Image. Names must be usable as a DNS label so the proxy
// can route to them.
func (s *ContainerService) Start(ctx context.Context, req LaunchRequest) (domain.Container, error) {
	if strings.TrimSpace(req.Image) == "" {
		return domain.Container{}, fmt.Errorf("%w: image is required", domain.ErrInvalidInput)
	}
	if req.Name != "" && !validName(req.Name) {
		return domain.Container{}, fmt.Errorf("%w: container name %q must be a lowercase DNS label", domain.ErrInvalidInput, req.Name)
	}
	for _, kv := range req.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return domain.Container{}, fmt.Errorf("%w: environment entry %q is not KEY=VALUE", domain.ErrInvalidInput, kv)
		}
	}
	return s.launcher.StartContainer(ctx, req.Image, domain.LaunchOptions{Name: req.Name, Publish: req.Publish, Env: req.Env})
}

func validName(name string) bool {
	if len(name) > 63 || name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

func (s *ContainerService) List(ctx context.Context) ([]domain.Container, error) {
	return s.launcher.ListContainers(ctx)
}

func (s *ContainerService) Get(ctx context.Context, id string) (domain.Container, error) {
	return s.launcher.GetContainer(ctx, id)
}

func (s *ContainerService) Stop(ctx context.Context, id string) error {
	return s.launcher.StopContainer(ctx, id)
}

func (s *ContainerService) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return s.launcher.GetContainerLogs(ctx, id)
}

// Upstream returns the loopback address serving the running container named
// name.
func (s *ContainerService) Upstream(ctx context.Context, name string) (string, error) {
	c, err := s.launcher.GetContainer(ctx, name)
	if err != nil {
		return "", err
	}
	if c.State != domain.ContainerStateRunning {
		return "", fmt.Errorf("%w: %s is %s", domain.ErrContainerNotFound, name, c.State)
	}
	port := c.HostPort()
	if port == 0 {
		return "", fmt.Errorf("container %s publishes no port", name)
	}
	return "127.0.0.1:" + strconv.Itoa(port), nil
}
