// Package store is a local, content-addressed image store.
//
// Layout under the root directory:
//
//	blobs/sha256/<hex>   layer tars, image configs and manifests
//	index.json           tags and image ids -> manifest digests, layer cache
//	tmp/                 partially written blobs
//
// Blobs are immutable. Images only become visible once Commit writes their
// manifest into the index, so an aborted build never publishes anything.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/lighthouse/internal/core/domain"
)

type index struct {
	Tags   map[string]digest.Digest        `json:"tags"`
	Images map[digest.Digest]digest.Digest `json:"images"`
	Cache  map[digest.Digest]digest.Digest `json:"cache"`
}

// Store implements ports.ImageStore on the local filesystem.
type Store struct {
	root   string
	logger *log.Logger

	mu   sync.Mutex
	idx  index
	// held counts the live leases holding each blob.
	held map[digest.Digest]int
}

// New opens (or creates) a store rooted at root.
func New(root string, logger *log.Logger) (*Store, error) {
	for _, dir := range []string{"blobs/sha256", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	s := &Store{
		root:   root,
		logger: logger,
		held:   make(map[digest.Digest]int),
		idx: index{
			Tags:   make(map[string]digest.Digest),
			Images: make(map[digest.Digest]digest.Digest),
			Cache:  make(map[digest.Digest]digest.Digest),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.root, "index.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read store index: %w", err)
	}
	if err := json.Unmarshal(data, &s.idx); err != nil {
		return fmt.Errorf("failed to decode store index: %w", err)
	}
	if s.idx.Tags == nil {
		s.idx.Tags = make(map[string]digest.Digest)
	}
	if s.idx.Images == nil {
		s.idx.Images = make(map[digest.Digest]digest.Digest)
	}
	if s.idx.Cache == nil {
		s.idx.Cache = make(map[digest.Digest]digest.Digest)
	}
	return nil
}

// save must be called with s.mu held.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.root, "index.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

// WriteBlob stores the content of r and returns its digest and size. Writing
// content that is already present is a no-op.
func (s *Store) WriteBlob(r io.Reader) (digest.Digest, int64, error) {
	return s.writeBlob(r, nil)
}

// writeBlob stores r and, when lease is set, holds the blob for it in the same
// critical section that makes the blob visible.
func (s *Store) writeBlob(r io.Reader, lease *Lease) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	d := digester.Digest()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.blobPath(d)); err != nil {
		if err := os.Rename(tmp.Name(), s.blobPath(d)); err != nil {
			return "", 0, fmt.Errorf("failed to store blob %s: %w", d, err)
		}
	}
	if lease != nil {
		lease.holdLocked(d)
	}
	return d, n, nil
}

// OpenBlob opens a stored blob.
func (s *Store) OpenBlob(d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", d, err)
	}
	return f, nil
}

// HasBlob reports whether d is stored.
func (s *Store) HasBlob(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

func (s *Store) readJSON(d digest.Digest, v any) error {
	rc, err := s.OpenBlob(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}

// CacheLookup returns the layer recorded for a step cache key.
func (s *Store) CacheLookup(key digest.Digest) (digest.Digest, bool) {
	s.mu.Lock()
	layer, ok := s.idx.Cache[key]
	s.mu.Unlock()
	if !ok || !s.HasBlob(layer) {
		return "", false
	}
	return layer, true
}

// Commit describes an image to publish.
type Commit struct {
	Tag    string
	Config domain.ImageConfig
	Layers []domain.Layer
	// Cache maps step cache keys to the layers they produced.
	Cache map[digest.Digest]digest.Digest
}

// Commit writes the config and manifest of an image and publishes it under its
// tag in one index update.
func (s *Store) Commit(ctx context.Context, c Commit) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, err
	}

	tag := ""
	if c.Tag != "" {
		var err error
		if tag, err = domain.NormalizeTag(c.Tag); err != nil {
			return domain.Image{}, err
		}
	}

	cfg := toOCIConfig(c.Config, c.Layers)
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to encode image config: %w", err)
	}
	cfgDigest, cfgSize, err := s.WriteBlob(bytes.NewReader(cfgBytes))
	if err != nil {
		return domain.Image{}, err
	}

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    cfgDigest,
			Size:      cfgSize,
		},
		Layers: make([]v1.Descriptor, 0, len(c.Layers)),
	}
	for _, l := range c.Layers {
		d := digest.Digest(l.Digest)
		if !s.HasBlob(d) {
			return domain.Image{}, fmt.Errorf("layer %s is not stored", d)
		}
		manifest.Layers = append(manifest.Layers, v1.Descriptor{
			MediaType:   v1.MediaTypeImageLayer,
			Digest:      d,
			Size:        l.Size,
			Annotations: map[string]string{annotationCreatedBy: l.CreatedBy},
		})
	}
	mBytes, err := json.Marshal(manifest)
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to encode manifest: %w", err)
	}
	mDigest, _, err := s.WriteBlob(bytes.NewReader(mBytes))
	if err != nil {
		return domain.Image{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Images[cfgDigest] = mDigest
	if tag != "" {
		s.idx.Tags[tag] = mDigest
	}
	for k, v := range c.Cache {
		s.idx.Cache[k] = v
	}
	if err := s.save(); err != nil {
		return domain.Image{}, fmt.Errorf("failed to publish image: %w", err)
	}
	s.logger.Debug("image committed", "id", cfgDigest, "tag", tag, "layers", len(c.Layers))

	return s.imageLocked(mDigest)
}

// Lease tracks the blobs one build writes until the build commits or aborts.
// A blob held by any live lease is never removed.
type Lease struct {
	s     *Store
	blobs map[digest.Digest]struct{}
}

// NewLease starts tracking the blobs of one build.
func (s *Store) NewLease() *Lease {
	return &Lease{s: s, blobs: make(map[digest.Digest]struct{})}
}

// WriteBlob stores r like Store.WriteBlob and holds the result.
func (l *Lease) WriteBlob(r io.Reader) (digest.Digest, int64, error) {
	return l.s.writeBlob(r, l)
}

// Hold keeps d alive until the lease ends. It fails when d is not stored.
func (l *Lease) Hold(d digest.Digest) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if !l.s.HasBlob(d) {
		return fmt.Errorf("blob %s is not stored", d)
	}
	l.holdLocked(d)
	return nil
}

func (l *Lease) holdLocked(d digest.Digest) {
	if _, ok := l.blobs[d]; ok {
		return
	}
	l.blobs[d] = struct{}{}
	l.s.held[d]++
}

// releaseLocked drops every hold of the lease and returns the blobs it held.
func (l *Lease) releaseLocked() []digest.Digest {
	blobs := make([]digest.Digest, 0, len(l.blobs))
	for d := range l.blobs {
		blobs = append(blobs, d)
		if l.s.held[d]--; l.s.held[d] <= 0 {
			delete(l.s.held, d)
		}
	}
	l.blobs = make(map[digest.Digest]struct{})
	return blobs
}

// Release ends the lease and keeps its blobs. Calling it after Discard is a
// no-op.
func (l *Lease) Release() {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.releaseLocked()
}

// Discard ends the lease and removes the blobs it held that no published
// image, cache entry or other live lease references.
func (l *Lease) Discard() error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	blobs := l.releaseLocked()
	referenced, err := s.referencedLocked()
	if err != nil {
		return err
	}

	var errs []error
	for _, d := range blobs {
		if referenced[d] || s.held[d] > 0 || d.Validate() != nil {
			continue
		}
		if err := os.Remove(s.blobPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) referencedLocked() (map[digest.Digest]bool, error) {
	referenced := make(map[digest.Digest]bool)
	for _, layer := range s.idx.Cache {
		referenced[layer] = true
	}
	for cfg, m := range s.idx.Images {
		referenced[cfg], referenced[m] = true, true
		var manifest v1.Manifest
		if err := s.readJSON(m, &manifest); err != nil {
			return nil, err
		}
		for _, l := range manifest.Layers {
			referenced[l.Digest] = true
		}
	}
	return referenced, nil
}

// GetImage resolves a tag, an image id or an unambiguous id prefix.
func (s *Store) GetImage(ctx context.Context, ref string) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.resolveLocked(ref)
	if err != nil {
		return domain.Image{}, err
	}
	return s.imageLocked(m)
}

func (s *Store) resolveLocked(ref string) (digest.Digest, error) {
	if id, err := digest.Parse(ref); err == nil {
		if m, ok := s.idx.Images[id]; ok {
			return m, nil
		}
		return "", fmt.Errorf("%w: %s", domain.ErrImageNotFound, ref)
	}

	if isHexPrefix(ref) {
		var match digest.Digest
		for id, m := range s.idx.Images {
			if strings.HasPrefix(id.Encoded(), ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous image id prefix %q", ref)
				}
				match = m
			}
		}
		if match != "" {
			return match, nil
		}
	}

	tag, err := domain.NormalizeTag(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrImageNotFound, ref)
	}
	if m, ok := s.idx.Tags[tag]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrImageNotFound, ref)
}

func isHexPrefix(s string) bool {
	if len(s) < 6 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ListImages returns every published image, sorted by id.
func (s *Store) ListImages(ctx context.Context) ([]domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	images := make([]domain.Image, 0, len(s.idx.Images))
	for _, m := range s.idx.Images {
		img, err := s.imageLocked(m)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	return images, nil
}

func (s *Store) imageLocked(m digest.Digest) (domain.Image, error) {
	var manifest v1.Manifest
	if err := s.readJSON(m, &manifest); err != nil {
		return domain.Image{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var cfg v1.Image
	if err := s.readJSON(manifest.Config.Digest, &cfg); err != nil {
		return domain.Image{}, fmt.Errorf("failed to read image config: %w", err)
	}

	img := domain.Image{
		ID:     manifest.Config.Digest.String(),
		Config: fromOCIConfig(cfg),
	}
	for _, l := range manifest.Layers {
		img.Layers = append(img.Layers, domain.Layer{
			Digest:    l.Digest.String(),
			Size:      l.Size,
			CreatedBy: l.Annotations[annotationCreatedBy],
		})
		img.Size += l.Size
	}
	for tag, d := range s.idx.Tags {
		if d == m {
			img.Tags = append(img.Tags, tag)
		}
	}
	sort.Strings(img.Tags)
	return img, nil
}

// Extract materialises the root filesystem of img into dest by applying its
// layers in order.
func (s *Store) Extract(ctx context.Context, img domain.Image, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create rootfs: %w", err)
	}
	for _, l := range img.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := s.OpenBlob(digest.Digest(l.Digest))
		if err != nil {
			return err
		}
		err = ApplyLayer(dest, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("layer %s: %w", l.Digest, err)
		}
	}
	return nil
}

// Import registers the directory rootfs as a single layer base runtime image.
func (s *Store) Import(ctx context.Context, tag string, rootfs string) (domain.Image, error) {
	if tag == "" {
		return domain.Image{}, fmt.Errorf("import requires a tag")
	}
	snap, err := TakeSnapshot(rootfs)
	if err != nil {
		return domain.Image{}, err
	}

	lease := s.NewLease()
	defer lease.Release()

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.CloseWithError(WriteLayer(pw, rootfs, snap, snap.All()))
	}()
	d, size, err := lease.WriteBlob(pr)
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to import %s: %w", rootfs, err)
	}

	createdBy := "IMPORT " + filepath.Base(rootfs)
	return s.Commit(ctx, Commit{
		Tag: tag,
		Config: domain.ImageConfig{
			BaseRuntime: domain.ScratchImage,
			WorkingDir:  domain.DefaultWorkingDir,
			Env:         []string{defaultPathEnv},
		},
		Layers: []domain.Layer{{Digest: d.String(), Size: size, CreatedBy: createdBy}},
	})
}

const (
	annotationCreatedBy = "io.lighthouse.created-by"
	defaultPathEnv      = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

func toOCIConfig(c domain.ImageConfig, layers []domain.Layer) v1.Image {
	img := v1.Image{
		Platform: v1.Platform{Architecture: runtime.GOARCH, OS: runtime.GOOS},
		Config: v1.ImageConfig{
			Env:        c.Env,
			Cmd:        c.Cmd,
			WorkingDir: c.WorkingDir,
			Labels:     map[string]string{v1.AnnotationBaseImageName: c.BaseRuntime},
		},
		RootFS: v1.RootFS{Type: "layers", DiffIDs: []digest.Digest{}},
	}
	if c.ExposedPort != 0 {
		proto := c.Protocol
		if proto == "" {
			proto = domain.ProtocolTCP
		}
		port, err := nat.NewPort(string(proto), strconv.Itoa(c.ExposedPort))
		if err == nil {
			img.Config.ExposedPorts = map[string]struct{}{string(port): {}}
		}
	}
	for _, l := range layers {
		img.RootFS.DiffIDs = append(img.RootFS.DiffIDs, digest.Digest(l.Digest))
		img.History = append(img.History, v1.History{CreatedBy: l.CreatedBy})
	}
	return img
}

func fromOCIConfig(img v1.Image) domain.ImageConfig {
	c := domain.ImageConfig{
		BaseRuntime: img.Config.Labels[v1.AnnotationBaseImageName],
		WorkingDir:  img.Config.WorkingDir,
		Cmd:         img.Config.Cmd,
		Env:         img.Config.Env,
	}
	ports := make([]nat.Port, 0, len(img.Config.ExposedPorts))
	for p := range img.Config.ExposedPorts {
		ports = append(ports, nat.Port(p))
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Int() < ports[j].Int() })
	if len(ports) > 0 && ports[0].Int() > 0 {
		c.ExposedPort, c.Protocol = ports[0].Int(), domain.Protocol(ports[0].Proto())
	}
	return c
}

// BlobSize returns the size of a stored blob.
func (s *Store) BlobSize(d digest.Digest) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.blobPath(d))
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob %s: %w", d, err)
	}
	return info.Size(), nil
}

// TempDir creates a scratch directory inside the store, on the same
// filesystem as the blobs.
func (s *Store) TempDir(pattern string) (string, error) {
	return os.MkdirTemp(filepath.Join(s.root, "tmp"), pattern)
}
