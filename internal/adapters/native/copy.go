package native

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"

	"github.com/melih/lighthouse/internal/core/domain"
)

const ignoreFileName = ".dockerignore"

// copyItem is one context path copied to one image path.
type copyItem struct {
	src      string // host path inside the build context
	rel      string // slash path relative to the context root
	dst      string // absolute image path
	info     fs.FileInfo
	implicit bool // destination of a directory source: created, mode kept
}

type contextFS struct {
	dir    string
	ignore *patternmatcher.PatternMatcher
}

func openContext(dir string) (*contextFS, error) {
	c := &contextFS{dir: dir}
	f, err := os.Open(filepath.Join(dir, ignoreFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", ignoreFileName, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ignoreFileName, err)
	}
	if c.ignore, err = patternmatcher.New(patterns); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ignoreFileName, err)
	}
	return c, nil
}

func (c *contextFS) ignored(rel string) bool {
	if c.ignore == nil || rel == "." {
		return false
	}
	ok, err := c.ignore.MatchesOrParentMatches(rel)
	return err == nil && ok
}

// plan expands the sources of a copy directive into the files it copies, in
// the order they will be written.
func (c *contextFS) plan(d domain.Directive, wd string) ([]copyItem, error) {
	dest := domain.ResolvePath(wd, d.Dest)
	destIsDir := strings.HasSuffix(d.Dest, "/") || d.Dest == "." || len(d.Sources) > 1

	var sources []string
	for _, src := range d.Sources {
		src = path.Clean(src)
		if !doublestar.ValidatePattern(src) || !strings.ContainsAny(src, "*?[{") {
			sources = append(sources, src)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(c.dir), src)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrSourceMissing, src, err)
		}
		var kept []string
		for _, m := range matches {
			if !c.ignored(m) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			return nil, fmt.Errorf("%w: no files match %s", domain.ErrSourceMissing, src)
		}
		sort.Strings(kept)
		sources = append(sources, kept...)
		destIsDir = destIsDir || len(kept) > 1
	}

	var items []copyItem
	for _, rel := range sources {
		host := filepath.Join(c.dir, filepath.FromSlash(rel))
		info, err := os.Lstat(host)
		if err != nil || c.ignored(rel) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceMissing, rel)
		}

		if !info.IsDir() {
			dst := dest
			if destIsDir {
				dst = path.Join(dest, path.Base(rel))
			}
			items = append(items, copyItem{src: host, rel: rel, dst: dst, info: info})
			continue
		}

		// Directory sources copy their contents, not the directory itself.
		err = filepath.WalkDir(host, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			sub, err := filepath.Rel(c.dir, p)
			if err != nil {
				return err
			}
			sub = filepath.ToSlash(sub)
			if p != host && c.ignored(sub) {
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			inner, err := filepath.Rel(host, p)
			if err != nil {
				return err
			}
			fi, err := de.Info()
			if err != nil {
				return err
			}
			items = append(items, copyItem{
				src:      p,
				rel:      sub,
				dst:      path.Join(dest, filepath.ToSlash(inner)),
				info:     fi,
				implicit: p == host,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", rel, err)
		}
	}
	return items, nil
}

// digestItems keys a copy step on what it copies and where.
func digestItems(items []copyItem) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	for _, it := range items {
		fmt.Fprintf(d.Hash(), "%s\x00%s\x00%o\x00", it.rel, it.dst, it.info.Mode())
		switch {
		case it.info.Mode().IsRegular():
			f, err := os.Open(it.src)
			if err != nil {
				return "", err
			}
			_, err = io.Copy(d.Hash(), f)
			f.Close()
			if err != nil {
				return "", err
			}
		case it.info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(it.src)
			if err != nil {
				return "", err
			}
			fmt.Fprint(d.Hash(), target)
		}
		fmt.Fprint(d.Hash(), "\n")
	}
	return d.Digest(), nil
}

// applyCopy writes items into rootfs. A file replaces whatever was at its path.
func applyCopy(rootfs string, items []copyItem) error {
	for _, it := range items {
		target, err := securejoin.SecureJoin(rootfs, it.dst)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", it.dst, err)
		}
		mode := it.info.Mode()

		if mode.IsDir() {
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", it.dst, err)
			}
			if it.implicit {
				continue
			}
			if err := os.Chmod(target, mode.Perm()); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", it.dst, err)
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to replace %s: %w", it.dst, err)
		}

		switch {
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(it.src)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", it.dst, err)
			}
		case mode.IsRegular():
			if err := copyFile(it.src, target, mode.Perm()); err != nil {
				return fmt.Errorf("failed to copy %s: %w", it.rel, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
