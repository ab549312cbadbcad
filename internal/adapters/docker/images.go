package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/melih/lighthouse/internal/core/domain"
)

// GetImage inspects a local image by id or tag.
func (a *Adapter) GetImage(ctx context.Context, ref string) (domain.Image, error) {
	info, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.Image{}, fmt.Errorf("%w: %s", domain.ErrImageNotFound, ref)
		}
		return domain.Image{}, fmt.Errorf("failed to inspect image: %w", err)
	}
	return fromImageInspect(info), nil
}

func fromImageInspect(info types.ImageInspect) domain.Image {
	img := domain.Image{
		ID:   info.ID,
		Tags: append([]string(nil), info.RepoTags...),
		Size: info.Size,
	}
	for _, l := range info.RootFS.Layers {
		img.Layers = append(img.Layers, domain.Layer{Digest: l})
	}
	if cfg := info.Config; cfg != nil {
		img.Config = domain.ImageConfig{
			BaseRuntime: cfg.Labels[LabelBaseRuntime],
			WorkingDir:  cfg.WorkingDir,
			Cmd:         append([]string(nil), cfg.Cmd...),
			Env:         append([]string(nil), cfg.Env...),
		}
		if len(cfg.Entrypoint) > 0 {
			img.Config.Cmd = append(append([]string(nil), cfg.Entrypoint...), cfg.Cmd...)
		}
		ports := make([]nat.Port, 0, len(cfg.ExposedPorts))
		for p := range cfg.ExposedPorts {
			ports = append(ports, p)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i].Int() < ports[j].Int() })
		if len(ports) > 0 {
			img.Config.ExposedPort = ports[0].Int()
			img.Config.Protocol = domain.Protocol(ports[0].Proto())
		}
	}
	if img.Config.WorkingDir == "" {
		img.Config.WorkingDir = domain.DefaultWorkingDir
	}
	return img
}

// ListImages returns the images lighthouse built.
func (a *Adapter) ListImages(ctx context.Context) ([]domain.Image, error) {
	summaries, err := a.cli.ImageList(ctx, types.ImageListOptions{Filters: managedFilter()})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	result := make([]domain.Image, 0, len(summaries))
	for _, s := range summaries {
		img, err := a.GetImage(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, img)
	}
	sort.Slice(result, func(i, j int) bool { return strings.Join(result[i].Tags, ",") < strings.Join(result[j].Tags, ",") })
	return result, nil
}

// Import registers rootfs as a single-layer image tagged tag.
func (a *Adapter) Import(ctx context.Context, tag string, rootfs string) (domain.Image, error) {
	ref, err := domain.NormalizeTag(tag)
	if err != nil {
		return domain.Image{}, err
	}
	rd, err := archive.TarWithOptions(rootfs, &archive.TarOptions{})
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to archive %s: %w", rootfs, err)
	}
	defer rd.Close()

	resp, err := a.cli.ImageImport(ctx, types.ImageImportSource{Source: rd, SourceName: "-"}, ref, types.ImageImportOptions{
		Changes: []string{"LABEL " + LabelManaged + "=true", "ENV PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
	})
	if err != nil {
		return domain.Image{}, fmt.Errorf("failed to import image: %w", err)
	}
	defer resp.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp, a.logger.StandardLog().Writer(), 0, false, nil); err != nil {
		return domain.Image{}, fmt.Errorf("failed to import image: %w", err)
	}

	img, err := a.GetImage(ctx, ref)
	if err != nil {
		return domain.Image{}, err
	}
	a.logger.Info("base runtime imported", "tag", ref, "id", shortID(img.ID), "size", units.HumanSize(float64(img.Size)))
	return img, nil
}
