package domain

import (
	"fmt"
	"path"
	"strings"

	"github.com/distribution/reference"
)

// ScratchImage is the empty base runtime.
const ScratchImage = "scratch"

// DefaultWorkingDir is used when a recipe never sets a working directory.
const DefaultWorkingDir = "/"

// Recipe is an ordered, immutable list of build directives.
type Recipe struct {
	Directives []Directive `json:"directives"`
}

// NewRecipe returns a recipe holding a copy of directives.
func NewRecipe(directives ...Directive) Recipe {
	return Recipe{Directives: append([]Directive(nil), directives...)}
}

// Clone returns a deep copy so a running build cannot observe later edits.
func (r Recipe) Clone() Recipe {
	out := Recipe{Directives: make([]Directive, len(r.Directives))}
	for i, d := range r.Directives {
		d.Sources = append([]string(nil), d.Sources...)
		d.Command = append([]string(nil), d.Command...)
		out.Directives[i] = d
	}
	return out
}

// Validate enforces the structural invariants of a recipe: it starts with its only
// from directive and declares exactly one port and one start command.
func (r Recipe) Validate() error {
	if len(r.Directives) == 0 {
		return fmt.Errorf("%w: recipe is empty", ErrInvalidRecipe)
	}
	if r.Directives[0].Kind != DirectiveFrom {
		return fmt.Errorf("%w: first directive must be from, got %s", ErrInvalidRecipe, r.Directives[0].Kind)
	}

	counts := make(map[DirectiveKind]int)
	for i, d := range r.Directives {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("directive %d: %w", i+1, err)
		}
		counts[d.Kind]++
	}
	if counts[DirectiveFrom] != 1 {
		return fmt.Errorf("%w: expected exactly one from directive, got %d", ErrInvalidRecipe, counts[DirectiveFrom])
	}
	if counts[DirectiveExpose] != 1 {
		return fmt.Errorf("%w: expected exactly one expose directive, got %d", ErrInvalidRecipe, counts[DirectiveExpose])
	}
	if counts[DirectiveCmd] != 1 {
		return fmt.Errorf("%w: expected exactly one cmd directive, got %d", ErrInvalidRecipe, counts[DirectiveCmd])
	}
	if _, err := ParseBaseRuntime(r.Directives[0].Image); err != nil {
		return err
	}
	return nil
}

// BaseRuntime returns the image named by the from directive.
func (r Recipe) BaseRuntime() string {
	for _, d := range r.Directives {
		if d.Kind == DirectiveFrom {
			return d.Image
		}
	}
	return ""
}

// WorkingDir returns the working directory in effect after the last directive.
func (r Recipe) WorkingDir() string {
	wd := DefaultWorkingDir
	for _, d := range r.Directives {
		if d.Kind == DirectiveWorkdir {
			wd = ResolvePath(wd, d.Path)
		}
	}
	return wd
}

// Port returns the declared port and its protocol.
func (r Recipe) Port() (int, Protocol) {
	for _, d := range r.Directives {
		if d.Kind == DirectiveExpose {
			proto := d.Protocol
			if proto == "" {
				proto = ProtocolTCP
			}
			return d.Port, proto
		}
	}
	return 0, ""
}

// StartCommand returns the argument vector of the cmd directive.
func (r Recipe) StartCommand() []string {
	for _, d := range r.Directives {
		if d.Kind == DirectiveCmd {
			return d.Argv()
		}
	}
	return nil
}

// Manifests lists the sources copied before the first run directive. These are the
// dependency manifests the install step consumes.
func (r Recipe) Manifests() []string {
	var out []string
	for _, d := range r.Directives {
		if d.Kind == DirectiveRun {
			break
		}
		if d.Kind == DirectiveCopy {
			out = append(out, d.Sources...)
		}
	}
	return out
}

// String renders the recipe in Dockerfile syntax.
func (r Recipe) String() string {
	var b strings.Builder
	for _, d := range r.Directives {
		b.WriteString(d.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ResolvePath resolves p against the working directory wd inside an image.
func ResolvePath(wd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join("/", wd, p)
}

// ParseBaseRuntime validates that ref pins an exact runtime: a tag or a digest is
// required, and "scratch" is accepted as the empty base.
func ParseBaseRuntime(ref string) (reference.Named, error) {
	if ref == ScratchImage {
		return nil, nil
	}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base runtime %q: %v", ErrInvalidRecipe, ref, err)
	}
	_, tagged := named.(reference.Tagged)
	_, digested := named.(reference.Digested)
	if !tagged && !digested {
		return nil, fmt.Errorf("%w: base runtime %q must pin a tag or digest", ErrInvalidRecipe, ref)
	}
	return named, nil
}

// NormalizeTag returns the canonical form of an image tag, adding ":latest" when
// the reference carries neither tag nor digest.
func NormalizeTag(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}
