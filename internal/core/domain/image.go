package domain

import (
	"io"
	"time"
)

// Image is an immutable, content-addressed build artifact.
type Image struct {
	ID     string      `json:"id"` // digest of the image config
	Tags   []string    `json:"tags"`
	Layers []Layer     `json:"layers"`
	Config ImageConfig `json:"config"`
	Size   int64       `json:"size"`
}

// Layer is one filesystem diff of an image.
type Layer struct {
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	CreatedBy string `json:"created_by"`
}

// ImageConfig is the metadata a launch reads from an image.
type ImageConfig struct {
	BaseRuntime string   `json:"base_runtime"`
	WorkingDir  string   `json:"working_dir"`
	ExposedPort int      `json:"exposed_port"`
	Protocol    Protocol `json:"protocol"`
	Cmd         []string `json:"cmd"`
	Env         []string `json:"env,omitempty"`
}

// BuildOptions tunes a single build.
type BuildOptions struct {
	Tag     string
	NoCache bool
	// Output receives human readable build progress. May be nil.
	Output io.Writer
}

// BuildResult is returned by a successful build.
type BuildResult struct {
	Image Image        `json:"image"`
	Steps []StepResult `json:"steps"`
}

// StepResult describes how one directive was executed.
type StepResult struct {
	Index     int           `json:"index"`
	Directive string        `json:"directive"`
	Layer     string        `json:"layer,omitempty"`
	Cached    bool          `json:"cached"`
	Duration  time.Duration `json:"duration"`
}

// BuildContext is a snapshot of the files a recipe may copy from.
type BuildContext struct {
	// Dir is the local directory holding the context.
	Dir string
	// Cleanup releases resources held by the context (e.g. a cloned repository).
	Cleanup func() error
}

// Close releases the context.
func (c BuildContext) Close() error {
	if c.Cleanup == nil {
		return nil
	}
	return c.Cleanup()
}

// SourceSpec describes where a build context comes from.
type SourceSpec struct {
	Path    string `json:"path,omitempty"`
	RepoURL string `json:"repo_url,omitempty"`
	Ref     string `json:"ref,omitempty"`
	// SubDir selects a directory inside a cloned repository.
	SubDir string `json:"sub_dir,omitempty"`
}
