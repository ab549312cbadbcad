package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/melih/lighthouse/internal/core/domain"
)

func TestContextTar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, content := range map[string]string{
		".dockerignore":    "secret.txt\n",
		"main.py":          "print(1)\n",
		"requirements.txt": "flask\n",
		"secret.txt":       "token",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rd, err := contextTar(dir, []byte("FROM scratch\n"))
	if err != nil {
		t.Fatalf("contextTar() error = %v", err)
	}
	defer rd.Close()

	files := map[string]string{}
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		files[hdr.Name] = string(b)
	}

	if _, ok := files["secret.txt"]; ok {
		t.Error("ignored file sent to the daemon")
	}
	if files[dockerfileName] != "FROM scratch\n" {
		t.Errorf("%s = %q", dockerfileName, files[dockerfileName])
	}
	if files["main.py"] != "print(1)\n" {
		t.Errorf("main.py = %q", files["main.py"])
	}
}

func TestStepWriter(t *testing.T) {
	t.Parallel()

	rec := domain.NewRecipe(
		domain.From("python:3.10-slim"),
		domain.Workdir("/app"),
		domain.Copy(".", "requirements.txt"),
		domain.Expose(8000),
		domain.Cmd("python", "main.py"),
	)

	var out bytes.Buffer
	w := newStepWriter(&out)
	stream := []string{
		"Step 1/5 : FROM python:3.10-slim\n",
		" ---> 0123456789ab\n",
		"Step 2/5 : WORKDIR /app\n ---> Using cache\n ---> ba9876543210\n",
		"Step 3/5 : COPY requirements.txt",
		" .\n",
	}
	for _, s := range stream {
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatal(err)
		}
	}
	w.Flush()

	if w.Current() != 3 {
		t.Errorf("Current() = %d, want 3", w.Current())
	}
	if out.String() != strings.Join(stream, "") {
		t.Errorf("output not forwarded verbatim")
	}

	steps := w.Steps(rec)
	if len(steps) != len(rec.Directives) {
		t.Fatalf("Steps() = %d, want %d", len(steps), len(rec.Directives))
	}
	if steps[0].Cached || steps[0].Layer != "0123456789ab" {
		t.Errorf("step 1 = %+v", steps[0])
	}
	if !steps[1].Cached || steps[1].Layer != "ba9876543210" {
		t.Errorf("step 2 = %+v", steps[1])
	}
	if steps[2].Directive != "COPY requirements.txt ." {
		t.Errorf("step 3 directive = %q", steps[2].Directive)
	}
	if steps[4].Directive != `CMD ["python","main.py"]` {
		t.Errorf("unreported step directive = %q", steps[4].Directive)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	for i, s := range steps {
		if s.Index != i+1 {
			t.Errorf("step %d index = %d", i, s.Index)
		}
	}
}
