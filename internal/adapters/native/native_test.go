package native

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse/internal/adapters/store"
)

type testEngine struct {
	store    *store.Store
	builder  *Builder
	launcher *Launcher
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := log.New(io.Discard)
	s, err := store.New(filepath.Join(t.TempDir(), "store"), logger)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	l, err := NewLauncher(s, filepath.Join(t.TempDir(), "containers"), 2*time.Second, logger)
	if err != nil {
		t.Fatalf("NewLauncher() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := testContext()
		defer cancel()
		l.Close(ctx)
	})
	return &testEngine{store: s, builder: NewBuilder(s, logger), launcher: l}
}

type file struct {
	content string
	mode    os.FileMode
}

func writeContext(t *testing.T, dir string, files map[string]file) {
	t.Helper()
	for name, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		mode := f.mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(p, []byte(f.content), mode); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(p, mode); err != nil {
			t.Fatal(err)
		}
	}
}

func countBlobs(t *testing.T, s *store.Store) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), "blobs", "sha256"))
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}
