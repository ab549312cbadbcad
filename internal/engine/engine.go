// Package engine assembles the builder, image store and launcher selected by
// configuration.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse/internal/adapters/docker"
	"github.com/melih/lighthouse/internal/adapters/native"
	"github.com/melih/lighthouse/internal/adapters/source"
	"github.com/melih/lighthouse/internal/adapters/store"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services"
)

// Engine bundles the ports of one backend.
type Engine struct {
	Name       string
	Builder    ports.BuilderService
	Images     ports.ImageStore
	Importer   ports.Importer
	Containers ports.ContainerService
	Sources    ports.SourceFetcher

	closers []func(context.Context) error
}

// New opens the engine named by cfg.Engine.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Engine, error) {
	e := &Engine{Name: cfg.Engine, Sources: source.NewFetcher("", logger)}

	switch cfg.Engine {
	case config.EngineNative:
		s, err := store.New(cfg.Store.Root, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open image store: %w", err)
		}
		launcher, err := native.NewLauncher(s, cfg.Containers.Root, cfg.StopTimeout, logger)
		if err != nil {
			return nil, err
		}
		builder := native.NewBuilder(s, logger)
		e.Builder, e.Images, e.Importer, e.Containers = builder, s, builder, launcher
		e.closers = append(e.closers, launcher.Close)

	case config.EngineDocker:
		adapter, err := docker.NewAdapter(cfg.StopTimeout, logger)
		if err != nil {
			return nil, err
		}
		if err := adapter.Ping(ctx); err != nil {
			adapter.Close()
			return nil, err
		}
		e.Builder, e.Images, e.Importer, e.Containers = adapter, adapter, adapter, adapter
		e.closers = append(e.closers, func(context.Context) error { return adapter.Close() })

	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	logger.Debug("engine ready", "engine", cfg.Engine)
	return e, nil
}

// ImageService wires the engine into the image use cases.
func (e *Engine) ImageService(logger *log.Logger) *services.ImageService {
	return services.NewImageService(e.Builder, e.Images, e.Sources, logger)
}

// ContainerService wires the engine into the container use cases.
func (e *Engine) ContainerService(logger *log.Logger) *services.ContainerService {
	return services.NewContainerService(e.Containers, logger)
}

// Close stops native instances and releases daemon connections.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}
