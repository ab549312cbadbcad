// Package recipe reads and writes recipes in Dockerfile syntax.
//
// Only the FROM, WORKDIR, COPY, RUN, EXPOSE and CMD instructions are accepted;
// anything else is rejected rather than ignored.
package recipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/moby/buildkit/frontend/dockerfile/parser"

	"github.com/melih/lighthouse/internal/core/domain"
)

// DefaultFile is the recipe file name looked up in a build context.
const DefaultFile = "Dockerfile"

// Parse reads a recipe and validates it.
func Parse(r io.Reader) (domain.Recipe, error) {
	res, err := parser.Parse(r)
	if err != nil {
		return domain.Recipe{}, fmt.Errorf("%w: %v", domain.ErrInvalidRecipe, err)
	}

	var rec domain.Recipe
	for _, node := range res.AST.Children {
		d, err := directiveFromNode(node)
		if err != nil {
			return domain.Recipe{}, fmt.Errorf("line %d: %w", node.StartLine, err)
		}
		rec.Directives = append(rec.Directives, d)
	}
	if err := rec.Validate(); err != nil {
		return domain.Recipe{}, err
	}
	return rec, nil
}

// ParseBytes is Parse over an in-memory recipe.
func ParseBytes(b []byte) (domain.Recipe, error) {
	return Parse(bytes.NewReader(b))
}

// ParseFile reads the recipe at path.
func ParseFile(path string) (domain.Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Recipe{}, fmt.Errorf("failed to open recipe: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func directiveFromNode(node *parser.Node) (domain.Directive, error) {
	if len(node.Flags) > 0 {
		return domain.Directive{}, fmt.Errorf("%w: flags %v are not supported", domain.ErrInvalidRecipe, node.Flags)
	}
	if len(node.Heredocs) > 0 {
		return domain.Directive{}, fmt.Errorf("%w: heredocs are not supported", domain.ErrInvalidRecipe)
	}

	args := nodeArgs(node)
	isJSON := node.Attributes["json"]
	d := domain.Directive{Line: node.StartLine}

	switch strings.ToLower(node.Value) {
	case "from":
		if len(args) != 1 {
			return d, fmt.Errorf("%w: FROM takes exactly one image", domain.ErrInvalidRecipe)
		}
		d.Kind, d.Image = domain.DirectiveFrom, args[0]
	case "workdir":
		if len(args) != 1 {
			return d, fmt.Errorf("%w: WORKDIR takes exactly one path", domain.ErrInvalidRecipe)
		}
		d.Kind, d.Path = domain.DirectiveWorkdir, args[0]
	case "copy":
		if len(args) < 2 {
			return d, fmt.Errorf("%w: COPY requires a source and a destination", domain.ErrInvalidRecipe)
		}
		d.Kind = domain.DirectiveCopy
		d.Sources, d.Dest = args[:len(args)-1], args[len(args)-1]
	case "run":
		d.Kind, d.Command, d.Shell = domain.DirectiveRun, args, !isJSON
	case "cmd":
		d.Kind, d.Command, d.Shell = domain.DirectiveCmd, args, !isJSON
	case "expose":
		if len(args) != 1 {
			return d, fmt.Errorf("%w: EXPOSE takes exactly one port", domain.ErrInvalidRecipe)
		}
		port, proto, err := parsePort(args[0])
		if err != nil {
			return d, err
		}
		d.Kind, d.Port, d.Protocol = domain.DirectiveExpose, port, proto
	default:
		return d, fmt.Errorf("%w: unsupported instruction %s", domain.ErrInvalidRecipe, strings.ToUpper(node.Value))
	}
	return d, nil
}

func nodeArgs(node *parser.Node) []string {
	var args []string
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	return args
}

func parsePort(s string) (int, domain.Protocol, error) {
	proto, raw := nat.SplitProtoPort(s)
	if strings.Contains(raw, "-") {
		return 0, "", fmt.Errorf("%w: port ranges are not supported: %q", domain.ErrInvalidRecipe, s)
	}
	port, err := nat.ParsePort(raw)
	if err != nil || raw == "" {
		return 0, "", fmt.Errorf("%w: invalid port %q", domain.ErrInvalidRecipe, s)
	}
	return port, domain.Protocol(strings.ToLower(proto)), nil
}
