package docker

import (
	"fmt"
	"strings"

	"github.com/docker/docker/errdefs"

	"github.com/melih/lighthouse/internal/core/domain"
)

// classify maps daemon errors onto domain sentinels. The daemon reports bind
// and exec failures only as message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "port is already allocated"),
		strings.Contains(msg, "address already in use"):
		return fmt.Errorf("%w: %v", domain.ErrPortInUse, err)
	case strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "exec format error"),
		strings.Contains(msg, "no such file or directory") && strings.Contains(msg, "exec"),
		strings.Contains(msg, "permission denied") && strings.Contains(msg, "exec"):
		return fmt.Errorf("%w: %v", domain.ErrExecutableMissing, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", domain.ErrNameInUse, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", domain.ErrImageNotFound, err)
	}
	return err
}

// classifyBuild maps a failed build stream message onto domain sentinels.
func classifyBuild(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "manifest unknown"),
		strings.Contains(lower, "not found: manifest"),
		strings.Contains(lower, "repository does not exist"):
		return fmt.Errorf("%w: %s", domain.ErrBaseUnavailable, msg)
	case strings.Contains(lower, "copy failed"),
		strings.Contains(lower, "no source files were specified"):
		return fmt.Errorf("%w: %s", domain.ErrSourceMissing, msg)
	case strings.Contains(lower, "returned a non-zero code"):
		return fmt.Errorf("%w: %s", domain.ErrDependencyUnresolved, msg)
	}
	return fmt.Errorf("build failed: %s", msg)
}
