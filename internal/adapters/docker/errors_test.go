package docker

import (
	"errors"
	"testing"

	"github.com/melih/lighthouse/internal/core/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "port allocated",
			err:  errors.New("Error response from daemon: driver failed programming external connectivity: Bind for 0.0.0.0:8000 failed: port is already allocated"),
			want: domain.ErrPortInUse,
		},
		{
			name: "address in use",
			err:  errors.New("listen tcp4 0.0.0.0:8000: bind: address already in use"),
			want: domain.ErrPortInUse,
		},
		{
			name: "executable not in path",
			err:  errors.New(`failed to create task for container: exec: "python": executable file not found in $PATH: unknown`),
			want: domain.ErrExecutableMissing,
		},
		{
			name: "relative executable missing",
			err:  errors.New(`exec: "./serve.sh": stat ./serve.sh: no such file or directory`),
			want: domain.ErrExecutableMissing,
		},
		{
			name: "not executable",
			err:  errors.New(`exec /app/serve.sh: permission denied`),
			want: domain.ErrExecutableMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_PassesThroughUnknown(t *testing.T) {
	t.Parallel()
	err := errors.New("something else")
	if got := classify(err); got != err {
		t.Errorf("classify() = %v, want the original error", got)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestClassifyBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want error
	}{
		{"pull access denied for nope, repository does not exist or may require 'docker login'", domain.ErrBaseUnavailable},
		{"manifest for python:9.9 not found: manifest unknown: manifest unknown", domain.ErrBaseUnavailable},
		{"COPY failed: file not found in build context or excluded by .dockerignore: stat requirements.txt: file does not exist", domain.ErrSourceMissing},
		{"The command '/bin/sh -c pip install -r requirements.txt' returned a non-zero code: 1", domain.ErrDependencyUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			t.Parallel()
			if got := classifyBuild(tt.msg); !errors.Is(got, tt.want) {
				t.Errorf("classifyBuild() = %v, want %v", got, tt.want)
			}
		})
	}
}
