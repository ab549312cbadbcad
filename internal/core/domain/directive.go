package domain

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// DirectiveKind identifies one of the build directives a Recipe may contain.
type DirectiveKind string

const (
	DirectiveFrom    DirectiveKind = "from"
	DirectiveWorkdir DirectiveKind = "workdir"
	DirectiveCopy    DirectiveKind = "copy"
	DirectiveRun     DirectiveKind = "run"
	DirectiveExpose  DirectiveKind = "expose"
	DirectiveCmd     DirectiveKind = "cmd"
)

// Protocol is the transport of an exposed or published port.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Directive is a single build step. Only the fields that belong to Kind are set.
type Directive struct {
	Kind DirectiveKind `json:"kind"`

	// from
	Image string `json:"image,omitempty"`
	// workdir
	Path string `json:"path,omitempty"`
	// copy
	Sources []string `json:"sources,omitempty"`
	Dest    string   `json:"dest,omitempty"`
	// run, cmd
	Command []string `json:"command,omitempty"`
	Shell   bool     `json:"shell,omitempty"`
	// expose
	Port     int      `json:"port,omitempty"`
	Protocol Protocol `json:"protocol,omitempty"`

	// Line is the recipe line the directive was parsed from, 0 when built in code.
	Line int `json:"-"`
}

func From(image string) Directive { return Directive{Kind: DirectiveFrom, Image: image} }

func Workdir(p string) Directive { return Directive{Kind: DirectiveWorkdir, Path: p} }

func Copy(dest string, sources ...string) Directive {
	return Directive{Kind: DirectiveCopy, Sources: sources, Dest: dest}
}

// Run returns an exec-form run directive.
func Run(argv ...string) Directive { return Directive{Kind: DirectiveRun, Command: argv} }

// RunShell returns a shell-form run directive.
func RunShell(script string) Directive {
	return Directive{Kind: DirectiveRun, Command: []string{script}, Shell: true}
}

func Expose(port int) Directive {
	return Directive{Kind: DirectiveExpose, Port: port, Protocol: ProtocolTCP}
}

func Cmd(argv ...string) Directive { return Directive{Kind: DirectiveCmd, Command: argv} }

// Validate checks the directive in isolation.
func (d Directive) Validate() error {
	switch d.Kind {
	case DirectiveFrom:
		if strings.TrimSpace(d.Image) == "" {
			return fmt.Errorf("%w: from requires an image", ErrInvalidRecipe)
		}
	case DirectiveWorkdir:
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("%w: workdir requires a path", ErrInvalidRecipe)
		}
	case DirectiveCopy:
		if len(d.Sources) == 0 || d.Dest == "" {
			return fmt.Errorf("%w: copy requires at least one source and a destination", ErrInvalidRecipe)
		}
		for _, src := range d.Sources {
			if path.IsAbs(src) || escapesRoot(src) {
				return fmt.Errorf("%w: copy source %q is outside the build context", ErrInvalidRecipe, src)
			}
		}
	case DirectiveRun, DirectiveCmd:
		if len(d.Command) == 0 || strings.TrimSpace(strings.Join(d.Command, "")) == "" {
			return fmt.Errorf("%w: %s requires a command", ErrInvalidRecipe, d.Kind)
		}
	case DirectiveExpose:
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidRecipe, d.Port)
		}
		switch d.Protocol {
		case "", ProtocolTCP, ProtocolUDP:
		default:
			return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidRecipe, d.Protocol)
		}
	default:
		return fmt.Errorf("%w: unknown directive kind %q", ErrInvalidRecipe, d.Kind)
	}
	return nil
}

// Argv returns the argument vector the directive executes, expanding shell form.
func (d Directive) Argv() []string {
	if d.Shell {
		return []string{"/bin/sh", "-c", strings.Join(d.Command, " ")}
	}
	return append([]string(nil), d.Command...)
}

// String renders the directive in recipe syntax. The output is canonical and is
// used as part of the layer cache key.
func (d Directive) String() string {
	switch d.Kind {
	case DirectiveFrom:
		return "FROM " + d.Image
	case DirectiveWorkdir:
		return "WORKDIR " + d.Path
	case DirectiveCopy:
		args := append(append([]string(nil), d.Sources...), d.Dest)
		if slices.ContainsFunc(args, hasSpace) {
			b, _ := json.Marshal(args)
			return "COPY " + string(b)
		}
		return "COPY " + strings.Join(args, " ")
	case DirectiveRun, DirectiveCmd:
		cmd := strings.ToUpper(string(d.Kind))
		if d.Shell {
			return cmd + " " + strings.Join(d.Command, " ")
		}
		b, _ := json.Marshal(d.Command)
		return cmd + " " + string(b)
	case DirectiveExpose:
		s := "EXPOSE " + strconv.Itoa(d.Port)
		if d.Protocol != "" && d.Protocol != ProtocolTCP {
			s += "/" + string(d.Protocol)
		}
		return s
	}
	return string(d.Kind)
}

// UnmarshalJSON rejects directive kinds this builder does not know.
func (d *Directive) UnmarshalJSON(data []byte) error {
	type alias Directive
	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch aux.Kind {
	case DirectiveFrom, DirectiveWorkdir, DirectiveCopy, DirectiveRun, DirectiveExpose, DirectiveCmd:
	default:
		return fmt.Errorf("%w: unknown directive kind %q", ErrInvalidRecipe, aux.Kind)
	}
	*d = Directive(aux)
	return nil
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func escapesRoot(p string) bool {
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
