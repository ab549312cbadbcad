package services

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse/internal/core/domain"
)

type fakeBuilder struct {
	mu    sync.Mutex
	calls []domain.Recipe
	opts  []domain.BuildOptions
	err   error
}

func (f *fakeBuilder) Build(ctx context.Context, rec domain.Recipe, bc domain.BuildContext, opts domain.BuildOptions) (domain.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return domain.BuildResult{}, f.err
	}
	return domain.BuildResult{Image: domain.Image{ID: "sha256:abc", Tags: []string{opts.Tag}}}, nil
}

type fakeSources struct {
	dir    string
	closed bool
	err    error
}

func (f *fakeSources) Fetch(ctx context.Context, spec domain.SourceSpec) (domain.BuildContext, error) {
	if f.err != nil {
		return domain.BuildContext{}, f.err
	}
	return domain.BuildContext{Dir: f.dir, Cleanup: func() error { f.closed = true; return nil }}, nil
}

type fakeImages struct{}

func (fakeImages) GetImage(ctx context.Context, ref string) (domain.Image, error) {
	return domain.Image{}, domain.ErrImageNotFound
}

func (fakeImages) ListImages(ctx context.Context) ([]domain.Image, error) { return nil, nil }

const pythonRecipe = `FROM python:3.10-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
EXPOSE 8000
CMD ["python", "main.py"]
`

func newImageService(t *testing.T, files map[string]string) (*ImageService, *fakeBuilder, *fakeSources) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b := &fakeBuilder{}
	src := &fakeSources{dir: dir}
	return NewImageService(b, fakeImages{}, src, log.New(io.Discard)), b, src
}

func TestImageService_Build(t *testing.T) {
	t.Parallel()

	structured := domain.NewRecipe(domain.From("scratch"), domain.Expose(8000), domain.Cmd("./app"))

	tests := []struct {
		name     string
		files    map[string]string
		req      BuildRequest
		wantBase string
		wantErr  error
	}{
		{name: "dockerfile in context", files: map[string]string{"Dockerfile": pythonRecipe}, req: BuildRequest{Tag: "app:v1"}, wantBase: "python:3.10-slim"},
		{name: "named recipe file", files: map[string]string{"Recipe": pythonRecipe}, req: BuildRequest{RecipeFile: "Recipe"}, wantBase: "python:3.10-slim"},
		{name: "inline dockerfile", req: BuildRequest{Dockerfile: pythonRecipe}, wantBase: "python:3.10-slim"},
		{name: "structured recipe", req: BuildRequest{Recipe: &structured}, wantBase: "scratch"},
		{name: "no recipe", req: BuildRequest{}, wantErr: domain.ErrInvalidRecipe},
		{name: "both forms", req: BuildRequest{Recipe: &structured, Dockerfile: pythonRecipe}, wantErr: domain.ErrInvalidRecipe},
		{name: "bad tag", req: BuildRequest{Tag: "UPPER:case", Dockerfile: pythonRecipe}, wantErr: domain.ErrInvalidRecipe},
		{name: "invalid structured", req: BuildRequest{Recipe: &domain.Recipe{}}, wantErr: domain.ErrInvalidRecipe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, b, src := newImageService(t, tt.files)

			_, err := svc.Build(context.Background(), tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
				}
				if len(b.calls) != 0 {
					t.Errorf("builder called for an invalid request")
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if len(b.calls) != 1 || b.calls[0].BaseRuntime() != tt.wantBase {
				t.Fatalf("builder calls = %+v", b.calls)
			}
			if b.opts[0].Tag != tt.req.Tag {
				t.Errorf("tag = %q, want %q", b.opts[0].Tag, tt.req.Tag)
			}
			if !src.closed {
				t.Errorf("build context was not released")
			}
		})
	}
}

func TestImageService_BuildErrorReleasesContext(t *testing.T) {
	t.Parallel()
	svc, b, src := newImageService(t, nil)
	b.err = &domain.BuildError{Step: 4, Err: domain.ErrDependencyUnresolved}

	_, err := svc.Build(context.Background(), BuildRequest{Dockerfile: pythonRecipe})
	if !errors.Is(err, domain.ErrDependencyUnresolved) {
		t.Fatalf("Build() error = %v", err)
	}
	if !src.closed {
		t.Error("build context was not released")
	}
}

func TestImageService_FetchError(t *testing.T) {
	t.Parallel()
	svc, b, src := newImageService(t, nil)
	src.err = domain.ErrSourceMissing

	if _, err := svc.Build(context.Background(), BuildRequest{Dockerfile: pythonRecipe}); !errors.Is(err, domain.ErrSourceMissing) {
		t.Fatalf("Build() error = %v", err)
	}
	if len(b.calls) != 0 {
		t.Error("builder called without a context")
	}
}

type fakeLauncher struct {
	containers map[string]domain.Container
	started    []domain.LaunchOptions
}

func (f *fakeLauncher) StartContainer(ctx context.Context, image string, opts domain.LaunchOptions) (domain.Container, error) {
	f.started = append(f.started, opts)
	return domain.Container{ID: "abc", Name: opts.Name, Image: image, State: domain.ContainerStateRunning}, nil
}

func (f *fakeLauncher) ListContainers(ctx context.Context) ([]domain.Container, error) {
	return nil, nil
}

func (f *fakeLauncher) GetContainer(ctx context.Context, id string) (domain.Container, error) {
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	return domain.Container{}, domain.ErrContainerNotFound
}

func (f *fakeLauncher) StopContainer(ctx context.Context, id string) error { return nil }

func (f *fakeLauncher) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func TestContainerService_StartValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     LaunchRequest
		wantErr bool
	}{
		{name: "minimal", req: LaunchRequest{Image: "app:v1"}},
		{name: "named", req: LaunchRequest{Image: "app:v1", Name: "web-1", Publish: "9000", Env: []string{"DEBUG=1"}}},
		{name: "no image", req: LaunchRequest{}, wantErr: true},
		{name: "uppercase name", req: LaunchRequest{Image: "app:v1", Name: "Web"}, wantErr: true},
		{name: "leading dash", req: LaunchRequest{Image: "app:v1", Name: "-web"}, wantErr: true},
		{name: "bad env", req: LaunchRequest{Image: "app:v1", Env: []string{"=1"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := &fakeLauncher{}
			svc := NewContainerService(l, log.New(io.Discard))
			_, err := svc.Start(context.Background(), tt.req)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Fatalf("Start() error = %v, want ErrInvalidInput", err)
				}
				if len(l.started) != 0 {
					t.Error("launcher called for an invalid request")
				}
				return
			}
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if len(l.started) != 1 || l.started[0].Publish != tt.req.Publish {
				t.Errorf("launch options = %+v", l.started)
			}
		})
	}
}

func TestContainerService_Upstream(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{containers: map[string]domain.Container{
		"web":     {Name: "web", State: domain.ContainerStateRunning, Ports: []domain.PortMapping{{HostPort: 9000, ContainerPort: 8000}}},
		"stopped": {Name: "stopped", State: domain.ContainerStateStopped, Ports: []domain.PortMapping{{HostPort: 9001, ContainerPort: 8000}}},
		"private": {Name: "private", State: domain.ContainerStateRunning},
	}}
	svc := NewContainerService(l, log.New(io.Discard))

	got, err := svc.Upstream(context.Background(), "web")
	if err != nil || got != "127.0.0.1:9000" {
		t.Errorf("Upstream(web) = %q, %v", got, err)
	}
	if _, err := svc.Upstream(context.Background(), "stopped"); !errors.Is(err, domain.ErrContainerNotFound) {
		t.Errorf("Upstream(stopped) error = %v", err)
	}
	if _, err := svc.Upstream(context.Background(), "private"); err == nil {
		t.Error("Upstream(private) should fail without a published port")
	}
	if _, err := svc.Upstream(context.Background(), "missing"); !errors.Is(err, domain.ErrContainerNotFound) {
		t.Errorf("Upstream(missing) error = %v", err)
	}
}
