package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/melih/lighthouse/internal/adapters/store"
	"github.com/melih/lighthouse/internal/core/domain"
)

const logFileName = "container.log"

// Launcher implements ports.ContainerService by running start commands as
// host processes inside per-instance copies of the image filesystem.
type Launcher struct {
	store       *store.Store
	logger      *log.Logger
	root        string
	stopTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*instance
	ports     map[int]string    // reserved host port -> container id
	names     map[string]string // reserved name -> container id
}

type instance struct {
	mu      sync.Mutex
	c       domain.Container
	dir     string
	cmd     *exec.Cmd
	logf    *os.File
	done    chan struct{}
	stopped bool
}

func (i *instance) snapshot() domain.Container {
	i.mu.Lock()
	defer i.mu.Unlock()
	c := i.c
	c.Ports = append([]domain.PortMapping(nil), i.c.Ports...)
	return c
}

// NewLauncher creates a launcher keeping instance directories under root.
func NewLauncher(s *store.Store, root string, stopTimeout time.Duration, logger *log.Logger) (*Launcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create containers directory: %w", err)
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Launcher{
		store:       s,
		logger:      logger.WithPrefix("launch"),
		root:        root,
		stopTimeout: stopTimeout,
		instances:   make(map[string]*instance),
		ports:       make(map[int]string),
		names:       make(map[string]string),
	}, nil
}

// StartContainer launches ref. The process gets PORT set to the published host
// port (or the declared port when nothing is published) so instances of one
// image can run side by side.
func (l *Launcher) StartContainer(ctx context.Context, ref string, opts domain.LaunchOptions) (domain.Container, error) {
	img, err := l.store.GetImage(ctx, ref)
	if err != nil {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
	}
	if len(img.Config.Cmd) == 0 {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: fmt.Errorf("%w: image declares no start command", domain.ErrExecutableMissing)}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := opts.Name
	if name == "" {
		name = "lh-" + id[:8]
	}

	var mapping *domain.PortMapping
	if opts.Publish != "" {
		m, err := domain.ParsePublish(opts.Publish, img.Config.ExposedPort, img.Config.Protocol)
		if err != nil {
			return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
		}
		mapping = &m
	}

	if err := l.reserveName(name, id); err != nil {
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
	}
	if mapping != nil {
		if err := l.reservePort(*mapping, id); err != nil {
			l.releaseName(name, id)
			return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
		}
	}

	c, err := l.start(ctx, id, name, ref, img, mapping, opts.Env)
	if err != nil {
		l.releaseName(name, id)
		if mapping != nil {
			l.releasePort(mapping.HostPort, id)
		}
		l.logger.Error("launch failed", "image", ref, "err", err)
		return domain.Container{}, &domain.LaunchError{Image: ref, Err: err}
	}
	l.logger.Info("container started", "id", id[:12], "name", name, "image", ref, "pid", c.PID)
	return c, nil
}

func (l *Launcher) start(ctx context.Context, id, name, ref string, img domain.Image, mapping *domain.PortMapping, extraEnv []string) (c domain.Container, err error) {
	dir := filepath.Join(l.root, id)
	rootfs := filepath.Join(dir, "rootfs")
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()
	if err := l.store.Extract(ctx, img, rootfs); err != nil {
		return domain.Container{}, err
	}

	wd := img.Config.WorkingDir
	if wd == "" {
		wd = domain.DefaultWorkingDir
	}
	argv := img.Config.Cmd
	exe, err := lookupExecutable(rootfs, wd, argv[0], img.Config.Env)
	if err != nil {
		return domain.Container{}, err
	}
	hostWd, err := securejoin.SecureJoin(rootfs, wd)
	if err != nil {
		return domain.Container{}, err
	}

	logf, err := os.Create(filepath.Join(dir, logFileName))
	if err != nil {
		return domain.Container{}, fmt.Errorf("failed to create log file: %w", err)
	}

	port := img.Config.ExposedPort
	var ports []domain.PortMapping
	if mapping != nil {
		port = mapping.HostPort
		ports = append(ports, *mapping)
	}
	env := hostEnv(rootfs, img.Config.Env)
	env = append(env, "HOST=0.0.0.0", "PORT="+strconv.Itoa(port), "LIGHTHOUSE_CONTAINER_ID="+id)
	env = append(env, extraEnv...)

	cmd := &exec.Cmd{
		Path:   exe,
		Args:   append([]string(nil), argv...),
		Dir:    hostWd,
		Env:    env,
		Stdout: logf,
		Stderr: logf,
	}
	if err := cmd.Start(); err != nil {
		logf.Close()
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.ENOEXEC) {
			return domain.Container{}, fmt.Errorf("%w: %s: %v", domain.ErrExecutableMissing, argv[0], err)
		}
		return domain.Container{}, fmt.Errorf("failed to start process: %w", err)
	}

	inst := &instance{
		dir:  dir,
		cmd:  cmd,
		logf: logf,
		done: make(chan struct{}),
		c: domain.Container{
			ID:         id,
			Name:       name,
			Image:      ref,
			ImageID:    img.ID,
			Status:     "Up",
			State:      domain.ContainerStateRunning,
			PID:        cmd.Process.Pid,
			Ports:      ports,
			WorkingDir: wd,
			Cmd:        argv,
			CreatedAt:  time.Now().UTC(),
		},
	}
	l.mu.Lock()
	l.instances[id] = inst
	l.mu.Unlock()

	go l.wait(inst)
	return inst.snapshot(), nil
}

func (l *Launcher) wait(inst *instance) {
	err := inst.cmd.Wait()
	inst.logf.Close()

	inst.mu.Lock()
	code := 0
	if inst.cmd.ProcessState != nil {
		code = inst.cmd.ProcessState.ExitCode()
	}
	inst.c.ExitCode = code
	if inst.stopped {
		inst.c.State = domain.ContainerStateStopped
	} else {
		inst.c.State = domain.ContainerStateExited
	}
	inst.c.Status = fmt.Sprintf("Exited (%d)", code)
	ports := inst.c.Ports
	id := inst.c.ID
	inst.mu.Unlock()

	for _, p := range ports {
		l.releasePort(p.HostPort, id)
	}
	if err != nil && code != 0 {
		l.logger.Warn("container exited", "id", id[:12], "code", code)
	} else {
		l.logger.Info("container exited", "id", id[:12], "code", code)
	}
	close(inst.done)
}

// reserveName claims name for id. Names stay taken for the life of the
// launcher, like the instances they label.
func (l *Launcher) reserveName(name, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.names[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrNameInUse, name)
	}
	l.names[name] = id
	return nil
}

func (l *Launcher) releaseName(name, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.names[name] == id {
		delete(l.names, name)
	}
}

// reservePort claims a host port for id. The port must be free both among this
// launcher's instances and on the host.
func (l *Launcher) reservePort(m domain.PortMapping, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.ports[m.HostPort]; ok {
		return fmt.Errorf("%w: %d (held by %s)", domain.ErrPortInUse, m.HostPort, owner[:12])
	}
	if err := probePort(m.HostPort, m.Protocol); err != nil {
		return fmt.Errorf("%w: %d: %v", domain.ErrPortInUse, m.HostPort, err)
	}
	l.ports[m.HostPort] = id
	return nil
}

func (l *Launcher) releasePort(port int, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ports[port] == id {
		delete(l.ports, port)
	}
}

func probePort(port int, proto domain.Protocol) error {
	addr := ":" + strconv.Itoa(port)
	if proto == domain.ProtocolUDP {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return pc.Close()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// lookupExecutable resolves name the way an exec inside the image would: paths
// relative to the working directory, bare names through the image PATH. The
// result must be an executable regular file inside rootfs.
func lookupExecutable(rootfs, wd, name string, env []string) (string, error) {
	var candidates []string
	if strings.Contains(name, "/") {
		candidates = append(candidates, domain.ResolvePath(wd, name))
	} else {
		imagePath := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
		for _, kv := range env {
			if v, ok := strings.CutPrefix(kv, "PATH="); ok {
				imagePath = v
			}
		}
		for _, dir := range strings.Split(imagePath, ":") {
			if dir != "" {
				candidates = append(candidates, path.Join("/", dir, name))
			}
		}
	}

	for _, c := range candidates {
		host, err := securejoin.SecureJoin(rootfs, c)
		if err != nil {
			continue
		}
		info, err := os.Stat(host)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", domain.ErrExecutableMissing, c)
		}
		return host, nil
	}
	return "", fmt.Errorf("%w: %s not found in image", domain.ErrExecutableMissing, name)
}

func (l *Launcher) get(id string) (*instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst, ok := l.instances[id]; ok {
		return inst, nil
	}
	if inst, ok := l.instances[l.names[id]]; ok {
		return inst, nil
	}
	var match *instance
	for key, inst := range l.instances {
		if strings.HasPrefix(key, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous container reference %q", id)
			}
			match = inst
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
	}
	return match, nil
}

// ListContainers returns every instance this launcher started, oldest first.
func (l *Launcher) ListContainers(ctx context.Context) ([]domain.Container, error) {
	l.mu.Lock()
	result := make([]domain.Container, 0, len(l.instances))
	for _, inst := range l.instances {
		result = append(result, inst.snapshot())
	}
	l.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// GetContainer returns one instance by id, id prefix or name.
func (l *Launcher) GetContainer(ctx context.Context, id string) (domain.Container, error) {
	inst, err := l.get(id)
	if err != nil {
		return domain.Container{}, err
	}
	return inst.snapshot(), nil
}

// StopContainer sends SIGTERM and kills the process if it has not exited after
// the stop timeout. The instance filesystem is removed; its log is kept.
func (l *Launcher) StopContainer(ctx context.Context, id string) error {
	inst, err := l.get(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.stopped = true
	inst.mu.Unlock()

	select {
	case <-inst.done:
	default:
		if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.logger.Warn("failed to signal container", "id", id, "err", err)
		}
		timer := time.NewTimer(l.stopTimeout)
		defer timer.Stop()
		select {
		case <-inst.done:
		case <-timer.C:
			l.logger.Warn("container did not stop in time, killing", "id", id)
			if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("failed to kill container: %w", err)
			}
			<-inst.done
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst.mu.Lock()
	inst.c.State = domain.ContainerStateStopped
	inst.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(inst.dir, "rootfs")); err != nil {
		return fmt.Errorf("failed to remove container filesystem: %w", err)
	}
	return nil
}

// GetContainerLogs returns the combined stdout and stderr of an instance.
func (l *Launcher) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	inst, err := l.get(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(inst.dir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open logs: %w", err)
	}
	return f, nil
}

// Close stops every running instance.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.instances))
	for id := range l.instances {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := l.StopContainer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
