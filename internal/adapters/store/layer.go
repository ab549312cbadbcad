package store

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/docker/pkg/archive"
)

// WhiteoutPrefix marks a deleted path inside a layer.
const WhiteoutPrefix = ".wh."

var epoch = time.Unix(0, 0).UTC()

// WriteLayer writes the changes of root as an uncompressed tar. The output is a
// pure function of the changed paths' contents: entries are sorted, timestamps
// are zeroed and ownership is reset, so equal inputs give equal digests.
func WriteLayer(w io.Writer, root string, snap Snapshot, changes []Change) error {
	names := make(map[string]Change)
	for _, c := range changes {
		if c.Kind == ChangeDelete {
			dir, base := path.Split(c.Path)
			names[path.Join(dir, WhiteoutPrefix+base)] = c
			continue
		}
		names[c.Path] = c
		for _, dir := range parentDirs(c.Path) {
			if _, ok := names[dir]; !ok {
				names[dir] = Change{Path: dir, Kind: ChangeModify}
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	tw := tar.NewWriter(w)
	for _, name := range sorted {
		c := names[name]
		if c.Kind == ChangeDelete {
			if err := tw.WriteHeader(whiteoutHeader(name)); err != nil {
				return fmt.Errorf("failed to write whiteout %s: %w", name, err)
			}
			continue
		}
		e, ok := snap[c.Path]
		if !ok {
			return fmt.Errorf("path %s missing from snapshot", c.Path)
		}
		if err := writeEntry(tw, root, c.Path, e); err != nil {
			return err
		}
	}
	return tw.Close()
}

func whiteoutHeader(name string) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
}

func writeEntry(tw *tar.Writer, root, rel string, e Entry) error {
	hdr := &tar.Header{
		Name:    rel,
		Mode:    int64(e.Mode.Perm()),
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}
	if e.Mode&fs.ModeSetuid != 0 {
		hdr.Mode |= 0o4000
	}
	if e.Mode&fs.ModeSetgid != 0 {
		hdr.Mode |= 0o2000
	}
	if e.Mode&fs.ModeSticky != 0 {
		hdr.Mode |= 0o1000
	}

	switch {
	case e.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case e.Mode&fs.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.CopyN(tw, f, e.Size); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// ApplyLayer unpacks a layer onto dest, honouring whiteouts. Later layers
// replace files at the same path.
func ApplyLayer(dest string, layer io.Reader) error {
	if _, err := archive.ApplyUncompressedLayer(dest, layer, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("failed to apply layer: %w", err)
	}
	return nil
}
