package store

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Entry is the recorded state of one path in a root filesystem.
type Entry struct {
	Mode     fs.FileMode
	Size     int64
	Digest   digest.Digest // regular files only
	Linkname string        // symlinks only
}

// Snapshot maps slash separated paths, relative to the root, to their state.
type Snapshot map[string]Entry

// ChangeKind classifies a path difference between two snapshots.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeModify
	ChangeDelete
)

// Change is one path difference.
type Change struct {
	Path string
	Kind ChangeKind
}

// TakeSnapshot records every directory, regular file and symlink under root.
func TakeSnapshot(root string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		e := Entry{Mode: info.Mode()}
		switch {
		case info.Mode().IsRegular():
			e.Size = info.Size()
			if e.Digest, err = fileDigest(p); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			if e.Linkname, err = os.Readlink(p); err != nil {
				return err
			}
		case info.IsDir():
		default:
			// Devices, sockets and pipes never become part of a layer.
			return nil
		}
		snap[filepath.ToSlash(rel)] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}
	return snap, nil
}

func fileDigest(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

// Diff returns the sorted changes that turn before into after. A deleted
// directory is reported once; its children are implied.
func Diff(before, after Snapshot) []Change {
	var changes []Change
	for p, a := range after {
		b, ok := before[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: ChangeAdd})
		case a != b:
			changes = append(changes, Change{Path: p, Kind: ChangeModify})
		}
	}

	var deleted []string
	for p := range before {
		if _, ok := after[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)
	var lastDir string
	for _, p := range deleted {
		if lastDir != "" && strings.HasPrefix(p, lastDir+"/") {
			continue
		}
		if underNonDir(after, p) {
			continue
		}
		changes = append(changes, Change{Path: p, Kind: ChangeDelete})
		if before[p].Mode.IsDir() {
			lastDir = p
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// All returns every path in the snapshot as an addition, for full-tree layers.
func (s Snapshot) All() []Change {
	changes := make([]Change, 0, len(s))
	for p := range s {
		changes = append(changes, Change{Path: p, Kind: ChangeAdd})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func parentDirs(p string) []string {
	var dirs []string
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	return dirs
}

// underNonDir reports whether a parent of p is no longer a directory in snap.
// Replacing that parent already removes everything below it.
func underNonDir(snap Snapshot, p string) bool {
	for _, dir := range parentDirs(p) {
		if e, ok := snap[dir]; ok && !e.Mode.IsDir() {
			return true
		}
	}
	return false
}
