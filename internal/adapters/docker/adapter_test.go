package docker

import (
	"slices"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/melih/lighthouse/internal/core/domain"
)

func testImage() domain.Image {
	return domain.Image{
		ID: "sha256:abc",
		Config: domain.ImageConfig{
			WorkingDir:  "/app",
			ExposedPort: 8000,
			Protocol:    domain.ProtocolTCP,
			Cmd:         []string{"python", "main.py"},
		},
	}
}

func TestContainerConfig_Publish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		publish   string
		wantPort  nat.Port
		wantHost  string
		wantEnvIn string
	}{
		{name: "host port only", publish: "9000", wantPort: "8000/tcp", wantHost: "9000", wantEnvIn: "PORT=8000"},
		{name: "explicit mapping", publish: "9001:8080", wantPort: "8080/tcp", wantHost: "9001", wantEnvIn: "PORT=8080"},
		{name: "udp mapping", publish: "5353:53/udp", wantPort: "53/udp", wantHost: "5353", wantEnvIn: "PORT=53"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, hostCfg, err := containerConfig("app:v1", testImage(), domain.LaunchOptions{Publish: tt.publish, Env: []string{"DEBUG=1"}})
			if err != nil {
				t.Fatalf("containerConfig() error = %v", err)
			}
			bindings := hostCfg.PortBindings[tt.wantPort]
			if len(bindings) != 1 || bindings[0].HostPort != tt.wantHost {
				t.Errorf("bindings[%s] = %+v, want host %s", tt.wantPort, bindings, tt.wantHost)
			}
			if _, ok := cfg.ExposedPorts[tt.wantPort]; !ok {
				t.Errorf("ExposedPorts = %v, missing %s", cfg.ExposedPorts, tt.wantPort)
			}
			if !slices.Contains(cfg.Env, tt.wantEnvIn) || !slices.Contains(cfg.Env, "DEBUG=1") {
				t.Errorf("Env = %v", cfg.Env)
			}
			if cfg.Labels[LabelManaged] != "true" {
				t.Errorf("container not labelled as managed")
			}
		})
	}
}

func TestContainerConfig_NoPublish(t *testing.T) {
	t.Parallel()
	_, hostCfg, err := containerConfig("app:v1", testImage(), domain.LaunchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hostCfg.PortBindings) != 0 {
		t.Errorf("PortBindings = %v, want none", hostCfg.PortBindings)
	}
}

func TestContainerConfig_InvalidPublish(t *testing.T) {
	t.Parallel()
	if _, _, err := containerConfig("app:v1", testImage(), domain.LaunchOptions{Publish: "not-a-port"}); err == nil {
		t.Error("expected error for invalid publish spec")
	}
}

func TestFromImageInspect(t *testing.T) {
	t.Parallel()

	img := fromImageInspect(types.ImageInspect{
		ID:       "sha256:0123456789abcdef",
		RepoTags: []string{"app:v1"},
		Size:     1024,
		RootFS:   types.RootFS{Type: "layers", Layers: []string{"sha256:l1", "sha256:l2"}},
		Config: &container.Config{
			WorkingDir:   "/app",
			Cmd:          []string{"python", "main.py"},
			Env:          []string{"PATH=/usr/bin"},
			ExposedPorts: nat.PortSet{"8000/tcp": {}},
			Labels:       map[string]string{LabelBaseRuntime: "python:3.10-slim"},
		},
	})

	if img.Config.ExposedPort != 8000 || img.Config.Protocol != domain.ProtocolTCP {
		t.Errorf("port = %d/%s", img.Config.ExposedPort, img.Config.Protocol)
	}
	if img.Config.BaseRuntime != "python:3.10-slim" {
		t.Errorf("BaseRuntime = %q", img.Config.BaseRuntime)
	}
	if len(img.Layers) != 2 || img.Layers[1].Digest != "sha256:l2" {
		t.Errorf("Layers = %+v", img.Layers)
	}
	if !slices.Equal(img.Config.Cmd, []string{"python", "main.py"}) {
		t.Errorf("Cmd = %v", img.Config.Cmd)
	}
}

func TestPortMappings(t *testing.T) {
	t.Parallel()
	got := portMappings(nat.PortMap{
		"8000/tcp": {{HostIP: "0.0.0.0", HostPort: "9000"}, {HostIP: "::", HostPort: "9000"}},
		"9090/tcp": nil,
	})
	if len(got) != 1 || got[0] != (domain.PortMapping{HostPort: 9000, ContainerPort: 8000, Protocol: domain.ProtocolTCP}) {
		t.Errorf("portMappings() = %+v", got)
	}
}
