package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/testcontainers/testcontainers-go"

	"github.com/melih/lighthouse/internal/core/domain"
)

// checkTestcontainersAvailable reports whether a Docker provider can be
// reached. Provider detection can panic on hosts without a daemon socket.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func newIntegrationAdapter(t *testing.T) *Adapter {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping docker integration tests: no container provider available")
	}
	a, err := NewAdapter(2*time.Second, log.New(io.Discard))
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Ping(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdapter_Integration(t *testing.T) {
	a := newIntegrationAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dir := t.TempDir()
	files := map[string]string{
		"requirements.txt": "flask==3.0.0\n",
		"serve.sh":         "#!/bin/sh\necho \"listening on $PORT\"\nexec sleep 30\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	rec := domain.NewRecipe(
		domain.From("busybox:1.36"),
		domain.Workdir("/app"),
		domain.Copy(".", "requirements.txt"),
		domain.RunShell("test -s requirements.txt"),
		domain.Copy(".", "."),
		domain.Expose(8000),
		domain.Cmd("./serve.sh"),
	)

	t.Run("BuildAndLaunch", func(t *testing.T) {
		var out bytes.Buffer
		res, err := a.Build(ctx, rec, domain.BuildContext{Dir: dir}, domain.BuildOptions{Tag: "lighthouse-it:v1", Output: &out})
		if err != nil {
			t.Fatalf("Build() error = %v\n%s", err, out.String())
		}
		if res.Image.Config.ExposedPort != 8000 || res.Image.Config.WorkingDir != "/app" {
			t.Errorf("image config = %+v", res.Image.Config)
		}

		c, err := a.StartContainer(ctx, "lighthouse-it:v1", domain.LaunchOptions{})
		if err != nil {
			t.Fatalf("StartContainer() error = %v", err)
		}
		defer a.StopContainer(context.WithoutCancel(ctx), c.ID)
		if c.State != domain.ContainerStateRunning {
			t.Errorf("state = %s", c.State)
		}
	})

	t.Run("FailedInstall", func(t *testing.T) {
		broken := rec.Clone()
		broken.Directives[3] = domain.RunShell("exit 3")
		_, err := a.Build(ctx, broken, domain.BuildContext{Dir: dir}, domain.BuildOptions{Tag: "lighthouse-it:broken"})
		if !errors.Is(err, domain.ErrDependencyUnresolved) {
			t.Fatalf("Build() error = %v, want ErrDependencyUnresolved", err)
		}
		if _, err := a.GetImage(ctx, "lighthouse-it:broken"); !errors.Is(err, domain.ErrImageNotFound) {
			t.Errorf("failed build was tagged: %v", err)
		}
	})

	t.Run("MissingExecutable", func(t *testing.T) {
		missing := rec.Clone()
		missing.Directives[6] = domain.Cmd("./nope")
		if _, err := a.Build(ctx, missing, domain.BuildContext{Dir: dir}, domain.BuildOptions{Tag: "lighthouse-it:nope"}); err != nil {
			t.Fatal(err)
		}
		_, err := a.StartContainer(ctx, "lighthouse-it:nope", domain.LaunchOptions{})
		if !errors.Is(err, domain.ErrExecutableMissing) {
			t.Fatalf("StartContainer() error = %v, want ErrExecutableMissing", err)
		}
	})
}
