// Package docker implements the builder and launcher ports against a Docker
// daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/melih/lighthouse/internal/core/domain"
)

const (
	// LabelManaged marks images and containers created by lighthouse.
	LabelManaged = "io.lighthouse.managed"
	// LabelBaseRuntime records the pinned base of a built image.
	LabelBaseRuntime = "io.lighthouse.base-runtime"
)

// Adapter implements ports.ContainerService and ports.BuilderService using the
// Docker SDK.
type Adapter struct {
	cli         *client.Client
	logger      *log.Logger
	stopTimeout time.Duration
}

// NewAdapter creates a new Docker adapter instance
func NewAdapter(stopTimeout time.Duration, logger *log.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Adapter{cli: cli, logger: logger.WithPrefix("docker"), stopTimeout: stopTimeout}, nil
}

// Ping reports whether the daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
}

// ListContainers returns every container lighthouse created, running or not.
func (a *Adapter) ListContainers(ctx context.Context) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: managedFilter()})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		result = append(result, fromSummary(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func fromSummary(c types.Container) domain.Container {
	// Use the first name if available, remove slash
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	out := domain.Container{
		ID:        shortID(c.ID),
		Name:      name,
		Image:     c.Image,
		ImageID:   c.ImageID,
		Status:    c.Status,
		State:     containerState(c.State),
		CreatedAt: time.Unix(c.Created, 0).UTC(),
	}
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		out.Ports = append(out.Ports, domain.PortMapping{
			HostPort:      int(p.PublicPort),
			ContainerPort: int(p.PrivatePort),
			Protocol:      domain.Protocol(p.Type),
		})
	}
	return out
}

func containerState(s string) domain.ContainerState {
	switch s {
	case "created":
		return domain.ContainerStateCreated
	case "running", "restarting", "paused":
		return domain.ContainerStateRunning
	default:
		return domain.ContainerStateExited
	}
}

// GetContainer inspects one container by id or name.
func (a *Adapter) GetContainer(ctx context.Context, id string) (domain.Container, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.Container{}, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
		}
		return domain.Container{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	return fromInspect(info), nil
}

func fromInspect(info types.ContainerJSON) domain.Container {
	out := domain.Container{}
	if info.ContainerJSONBase != nil {
		out.ID = shortID(info.ID)
		out.Name = strings.TrimPrefix(info.Name, "/")
		out.ImageID = info.Image
		if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
			out.CreatedAt = created.UTC()
		}
		if st := info.State; st != nil {
			out.State = containerState(st.Status)
			out.Status = st.Status
			out.PID = st.Pid
			out.ExitCode = st.ExitCode
		}
	}
	if info.Config != nil {
		out.Image = info.Config.Image
		out.WorkingDir = info.Config.WorkingDir
		out.Cmd = append([]string(nil), info.Config.Cmd...)
	}
	if info.NetworkSettings != nil {
		out.Ports = portMappings(info.NetworkSettings.Ports)
	}
	return out
}

func portMappings(pm nat.PortMap) []domain.PortMapping {
	var out []domain.PortMapping
	for port, bindings := range pm {
		for _, b := range bindings {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil || host == 0 {
				continue
			}
			out = append(out, domain.PortMapping{HostPort: host, ContainerPort: port.Int(), Protocol: domain.Protocol(port.Proto())})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}

// StartContainer creates and starts a container from a locally built image.
// A container whose start fails is removed again.
func (a *Adapter) StartContainer(ctx context.Context, ref string, opts domain.LaunchOptions) (domain.Container, error) {
	img, err := a.GetImage(ctx, ref)
	if err != nil {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
	}
	if len(img.Config.Cmd) == 0 {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: fmt.Errorf("%w: image declares no start command", domain.ErrExecutableMissing)}
	}

	cfg, hostCfg, err := containerConfig(ref, img, opts)
	if err != nil {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: classify(fmt.Errorf("failed to create container: %w", err))}
	}
	for _, w := range resp.Warnings {
		a.logger.Warn("container create", "warning", w)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := a.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			a.logger.Warn("failed to remove container after failed start", "id", shortID(resp.ID), "err", rmErr)
		}
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: classify(fmt.Errorf("failed to start container: %w", err))}
	}

	c, err := a.GetContainer(ctx, resp.ID)
	if err != nil {
		return domain.Container{}, err
	}
	c.Image = ref
	a.logger.Info("container started", "id", c.ID, "name", c.Name, "image", ref)
	return c, nil
}

// containerConfig maps an image and launch options onto the daemon's create
// request. The application binds $PORT inside the container, which is the
// declared container port.
func containerConfig(ref string, img domain.Image, opts domain.LaunchOptions) (*container.Config, *container.HostConfig, error) {
	port := img.Config.ExposedPort
	proto := img.Config.Protocol
	if proto == "" {
		proto = domain.ProtocolTCP
	}

	cfg := &container.Config{
		Image:        ref,
		Labels:       map[string]string{LabelManaged: "true"},
		ExposedPorts: nat.PortSet{},
	}
	hostCfg := &container.HostConfig{PortBindings: nat.PortMap{}}

	if port != 0 {
		cfg.ExposedPorts[nat.Port(fmt.Sprintf("%d/%s", port, proto))] = struct{}{}
	}
	if opts.Publish != "" {
		m, err := domain.ParsePublish(opts.Publish, port, proto)
		if err != nil {
			return nil, nil, err
		}
		p, err := nat.NewPort(string(m.Protocol), strconv.Itoa(m.ContainerPort))
		if err != nil {
			return nil, nil, err
		}
		cfg.ExposedPorts[p] = struct{}{}
		hostCfg.PortBindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(m.HostPort)}}
		port = m.ContainerPort
	}

	cfg.Env = append(cfg.Env, "HOST=0.0.0.0")
	if port != 0 {
		cfg.Env = append(cfg.Env, "PORT="+strconv.Itoa(port))
	}
	cfg.Env = append(cfg.Env, opts.Env...)
	return cfg, hostCfg, nil
}

// StopContainer stops a running container
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	timeout := int(a.stopTimeout.Seconds())
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	a.logger.Info("container stopped", "id", id)
	return nil
}

// GetContainerLogs returns the demultiplexed stdout and stderr of a container.
func (a *Adapter) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
		}
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
