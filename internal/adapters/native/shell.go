package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/melih/lighthouse/internal/core/domain"
)

// runDirective interprets a run directive with the working directory set inside
// the staged root filesystem. Exec form arguments are quoted, never re-split.
func runDirective(ctx context.Context, d domain.Directive, rootfs, wd string, env []string, out io.Writer) error {
	script, err := shellScript(d)
	if err != nil {
		return err
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "RUN")
	if err != nil {
		return fmt.Errorf("%w: cannot parse command: %v", domain.ErrInvalidRecipe, err)
	}

	dir := filepath.Join(rootfs, filepath.FromSlash(wd))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(hostEnv(rootfs, env)...)),
		interp.StdIO(nil, out, out),
	)
	if err != nil {
		return fmt.Errorf("failed to create shell: %w", err)
	}

	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return fmt.Errorf("%w: exit status %d", domain.ErrDependencyUnresolved, uint8(status))
		}
		return fmt.Errorf("%w: %v", domain.ErrDependencyUnresolved, err)
	}
	return nil
}

func shellScript(d domain.Directive) (string, error) {
	if d.Shell {
		return strings.Join(d.Command, " "), nil
	}
	quoted := make([]string, 0, len(d.Command))
	for _, arg := range d.Command {
		q, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("%w: cannot quote %q: %v", domain.ErrInvalidRecipe, arg, err)
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}

// hostEnv maps image environment onto the host: PATH entries are rooted in the
// image filesystem and followed by the host PATH.
func hostEnv(rootfs string, env []string) []string {
	out := make([]string, 0, len(env)+2)
	var imagePath string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			imagePath = v
			continue
		}
		out = append(out, kv)
	}

	var dirs []string
	for _, p := range filepath.SplitList(imagePath) {
		if p != "" {
			dirs = append(dirs, filepath.Join(rootfs, filepath.FromSlash(p)))
		}
	}
	if hostPath := os.Getenv("PATH"); hostPath != "" {
		dirs = append(dirs, hostPath)
	}
	out = append(out, "PATH="+strings.Join(dirs, string(os.PathListSeparator)))
	out = append(out, "LIGHTHOUSE_ROOTFS="+rootfs)
	return out
}
