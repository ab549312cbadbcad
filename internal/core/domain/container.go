package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

// ContainerState is the lifecycle state of a container instance.
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateExited  ContainerState = "exited"
	ContainerStateStopped ContainerState = "stopped"
)

// Container represents a container instance launched from an image.
type Container struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Image      string         `json:"image"`
	ImageID    string         `json:"image_id"`
	Status     string         `json:"status"`
	State      ContainerState `json:"state"`
	PID        int            `json:"pid,omitempty"`
	Ports      []PortMapping  `json:"ports,omitempty"`
	WorkingDir string         `json:"working_dir"`
	Cmd        []string       `json:"cmd"`
	ExitCode   int            `json:"exit_code"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HostPort returns the first published host port, or 0.
func (c Container) HostPort() int {
	for _, p := range c.Ports {
		if p.HostPort != 0 {
			return p.HostPort
		}
	}
	return 0
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      int      `json:"host_port"`
	ContainerPort int      `json:"container_port"`
	Protocol      Protocol `json:"protocol"`
}

func (p PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
}

// LaunchOptions are the caller supplied inputs of a launch.
type LaunchOptions struct {
	Name string
	// Publish overrides the port mapping; empty publishes nothing.
	Publish string
	Env     []string
}

// ParsePublish parses "host:container[/proto]" or "host" into a mapping for an
// image that declares containerPort. A bare host port maps to the declared port.
// A host address ("127.0.0.1:9000:8000") is rejected.
func ParsePublish(spec string, containerPort int, proto Protocol) (PortMapping, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PortMapping{}, fmt.Errorf("%w: empty port mapping", ErrInvalidInput)
	}
	if !strings.Contains(spec, ":") {
		host, err := strconv.Atoi(spec)
		if err != nil || host < 1 || host > 65535 {
			return PortMapping{}, fmt.Errorf("%w: invalid host port %q", ErrInvalidInput, spec)
		}
		if proto == "" {
			proto = ProtocolTCP
		}
		return PortMapping{HostPort: host, ContainerPort: containerPort, Protocol: proto}, nil
	}

	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return PortMapping{}, fmt.Errorf("%w: invalid port mapping %q: %v", ErrInvalidInput, spec, err)
	}
	if len(mappings) != 1 {
		return PortMapping{}, fmt.Errorf("%w: port mapping %q must name a single port", ErrInvalidInput, spec)
	}
	m := mappings[0]
	if m.Binding.HostIP != "" {
		return PortMapping{}, fmt.Errorf("%w: port mapping %q binds a host address; ports are published on every interface", ErrInvalidInput, spec)
	}
	host, err := strconv.Atoi(m.Binding.HostPort)
	if err != nil || host < 1 || host > 65535 {
		return PortMapping{}, fmt.Errorf("%w: invalid host port in %q", ErrInvalidInput, spec)
	}
	return PortMapping{
		HostPort:      host,
		ContainerPort: m.Port.Int(),
		Protocol:      Protocol(m.Port.Proto()),
	}, nil
}
