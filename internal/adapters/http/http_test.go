package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

type fakeEngine struct {
	buildErr   error
	startErr   error
	lastRef    string
	lastRecipe domain.Recipe
	containers map[string]domain.Container
}

func (f *fakeEngine) Build(ctx context.Context, rec domain.Recipe, bc domain.BuildContext, opts domain.BuildOptions) (domain.BuildResult, error) {
	f.lastRecipe = rec
	if opts.Output != nil {
		fmt.Fprintln(opts.Output, "Step 1/3 : "+rec.Directives[0].String())
	}
	if f.buildErr != nil {
		return domain.BuildResult{}, f.buildErr
	}
	return domain.BuildResult{Image: domain.Image{ID: "sha256:abc", Tags: []string{opts.Tag}}}, nil
}

func (f *fakeEngine) GetImage(ctx context.Context, ref string) (domain.Image, error) {
	f.lastRef = ref
	if ref == "docker.io/library/app:v1" {
		return domain.Image{ID: "sha256:abc", Tags: []string{"app:v1"}}, nil
	}
	return domain.Image{}, fmt.Errorf("%w: %s", domain.ErrImageNotFound, ref)
}

func (f *fakeEngine) ListImages(ctx context.Context) ([]domain.Image, error) {
	return []domain.Image{{ID: "sha256:abc"}}, nil
}

func (f *fakeEngine) Fetch(ctx context.Context, spec domain.SourceSpec) (domain.BuildContext, error) {
	return domain.BuildContext{Dir: "."}, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, image string, opts domain.LaunchOptions) (domain.Container, error) {
	if f.startErr != nil {
		return domain.Container{}, &domain.LaunchError{Image: image, Err: f.startErr}
	}
	return domain.Container{ID: "c1", Name: opts.Name, Image: image, State: domain.ContainerStateRunning}, nil
}

func (f *fakeEngine) ListContainers(ctx context.Context) ([]domain.Container, error) {
	return nil, nil
}

func (f *fakeEngine) GetContainer(ctx context.Context, id string) (domain.Container, error) {
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	return domain.Container{}, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string) error {
	_, err := f.GetContainer(ctx, id)
	return err
}

func (f *fakeEngine) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := f.GetContainer(ctx, id); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("listening on 8000\n")), nil
}

func newTestApp(e *fakeEngine, proxyDomain string) *fiber.App {
	logger := log.New(io.Discard)
	images := services.NewImageService(e, e, e, logger)
	containers := services.NewContainerService(e, logger)
	cfg := RouterConfig{
		Images:     NewImageHandler(images),
		Containers: NewContainerHandler(containers),
		Logger:     logger,
	}
	if proxyDomain != "" {
		cfg.Proxy = NewProxyHandler(containers, proxyDomain, logger)
	}
	return NewRouter(cfg)
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestBuildImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		buildErr   error
		body       string
		wantStatus int
	}{
		{
			name:       "dockerfile text",
			body:       `{"tag":"app:v1","dockerfile":"FROM python:3.10-slim\nEXPOSE 8000\nCMD [\"python\",\"main.py\"]\n","context":{"path":"."}}`,
			wantStatus: fiber.StatusCreated,
		},
		{
			name:       "directive list",
			body:       `{"recipe":{"directives":[{"kind":"from","image":"scratch"},{"kind":"expose","port":8000},{"kind":"cmd","command":["./app"]}]},"context":{"path":"."}}`,
			wantStatus: fiber.StatusCreated,
		},
		{
			name:       "unknown directive kind",
			body:       `{"recipe":{"directives":[{"kind":"volume"}]},"context":{"path":"."}}`,
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "unsupported instruction",
			body:       `{"dockerfile":"FROM python:3.10-slim\nENV A=b\n","context":{"path":"."}}`,
			wantStatus: fiber.StatusBadRequest,
		},
		{
			name:       "failed install",
			buildErr:   &domain.BuildError{Step: 4, Err: domain.ErrDependencyUnresolved},
			body:       `{"dockerfile":"FROM python:3.10-slim\nEXPOSE 8000\nCMD [\"python\",\"main.py\"]\n","context":{"path":"."}}`,
			wantStatus: fiber.StatusUnprocessableEntity,
		},
		{
			name:       "malformed body",
			body:       `{`,
			wantStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app := newTestApp(&fakeEngine{buildErr: tt.buildErr}, "")
			status, body := doJSON(t, app, fiber.MethodPost, "/api/v1/images", tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
			if status >= 400 {
				if _, ok := body["error"]; !ok {
					t.Errorf("error body missing: %v", body)
				}
			}
			if tt.buildErr != nil && !strings.Contains(fmt.Sprint(body["output"]), "Step 1/3") {
				t.Errorf("build output not returned with the error: %v", body)
			}
		})
	}
}

func TestGetImage_ReferenceWithSlashes(t *testing.T) {
	t.Parallel()
	e := &fakeEngine{}
	app := newTestApp(e, "")

	status, body := doJSON(t, app, fiber.MethodGet, "/api/v1/images/docker.io/library/app:v1", "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if e.lastRef != "docker.io/library/app:v1" {
		t.Errorf("ref = %q", e.lastRef)
	}

	status, _ = doJSON(t, app, fiber.MethodGet, "/api/v1/images/missing:v1", "")
	if status != fiber.StatusNotFound {
		t.Errorf("missing image status = %d, want 404", status)
	}
}

func TestContainers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		startErr   error
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{name: "start", method: fiber.MethodPost, target: "/api/v1/containers", body: `{"image":"app:v1","publish":"9000"}`, wantStatus: fiber.StatusCreated},
		{name: "port in use", startErr: domain.ErrPortInUse, method: fiber.MethodPost, target: "/api/v1/containers", body: `{"image":"app:v1","publish":"9000"}`, wantStatus: fiber.StatusConflict},
		{name: "executable missing", startErr: domain.ErrExecutableMissing, method: fiber.MethodPost, target: "/api/v1/containers", body: `{"image":"app:v1"}`, wantStatus: fiber.StatusUnprocessableEntity},
		{name: "image missing", startErr: domain.ErrImageNotFound, method: fiber.MethodPost, target: "/api/v1/containers", body: `{"image":"nope:v1"}`, wantStatus: fiber.StatusNotFound},
		{name: "no image", method: fiber.MethodPost, target: "/api/v1/containers", body: `{}`, wantStatus: fiber.StatusBadRequest},
		{name: "get", method: fiber.MethodGet, target: "/api/v1/containers/web", wantStatus: fiber.StatusOK},
		{name: "get missing", method: fiber.MethodGet, target: "/api/v1/containers/nope", wantStatus: fiber.StatusNotFound},
		{name: "stop", method: fiber.MethodDelete, target: "/api/v1/containers/web", wantStatus: fiber.StatusNoContent},
		{name: "stop missing", method: fiber.MethodDelete, target: "/api/v1/containers/nope", wantStatus: fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := &fakeEngine{startErr: tt.startErr, containers: map[string]domain.Container{"web": {ID: "c1", Name: "web"}}}
			status, body := doJSON(t, newTestApp(e, ""), tt.method, tt.target, tt.body)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
		})
	}
}

func TestContainerLogs(t *testing.T) {
	t.Parallel()
	e := &fakeEngine{containers: map[string]domain.Container{"web": {ID: "c1", Name: "web"}}}
	app := newTestApp(e, "")

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/containers/web/logs", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(b) != "listening on 8000\n" {
		t.Errorf("logs = %d %q", resp.StatusCode, b)
	}
}

func TestProxy(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer upstream.Close()
	_, portStr, _ := net.SplitHostPort(upstream.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	e := &fakeEngine{containers: map[string]domain.Container{
		"web":  {Name: "web", State: domain.ContainerStateRunning, Ports: []domain.PortMapping{{HostPort: port, ContainerPort: 8000}}},
		"down": {Name: "down", State: domain.ContainerStateStopped, Ports: []domain.PortMapping{{HostPort: port, ContainerPort: 8000}}},
	}}
	app := newTestApp(e, "lighthouse.test")

	tests := []struct {
		host       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{host: "web.lighthouse.test", path: "/docs", wantStatus: fiber.StatusOK, wantBody: "hello from /docs"},
		{host: "down.lighthouse.test", path: "/", wantStatus: fiber.StatusNotFound},
		{host: "nope.lighthouse.test", path: "/", wantStatus: fiber.StatusNotFound},
		{host: "lighthouse.test", path: "/api/v1/images", wantStatus: fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "http://"+tt.host+tt.path, nil)
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, b)
			}
			if tt.wantBody != "" && string(b) != tt.wantBody {
				t.Errorf("body = %q, want %q", b, tt.wantBody)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRecipe, fiber.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", domain.ErrInvalidInput), fiber.StatusBadRequest},
		{&domain.LaunchError{Err: domain.ErrPortInUse}, fiber.StatusConflict},
		{domain.ErrNameInUse, fiber.StatusConflict},
		{&domain.BuildError{Err: domain.ErrSourceMissing}, fiber.StatusUnprocessableEntity},
		{&domain.BuildError{Err: domain.ErrBaseUnavailable}, fiber.StatusUnprocessableEntity},
		{domain.ErrContainerNotFound, fiber.StatusNotFound},
		{fiber.ErrMethodNotAllowed, fiber.StatusMethodNotAllowed},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
