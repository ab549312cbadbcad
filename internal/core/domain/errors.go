package domain

import (
	"errors"
	"fmt"
)

var (
	// Build-time failures.
	ErrInvalidRecipe        = errors.New("invalid recipe")
	ErrBaseUnavailable      = errors.New("base runtime unavailable")
	ErrSourceMissing        = errors.New("source path missing from build context")
	ErrDependencyUnresolved = errors.New("run directive failed")

	// Launch-time failures.
	ErrImageNotFound     = errors.New("image not found")
	ErrExecutableMissing = errors.New("start command executable missing or not executable")
	ErrPortInUse         = errors.New("host port already in use")
	ErrNameInUse         = errors.New("container name already in use")

	ErrContainerNotFound = errors.New("container not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// BuildError reports the directive a build aborted at.
type BuildError struct {
	Step      int
	Directive Directive
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed at step %d (%s): %v", e.Step, e.Directive.String(), e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LaunchError reports why an image could not be launched.
type LaunchError struct {
	Image string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Image, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
