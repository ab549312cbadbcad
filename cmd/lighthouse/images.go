package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newImagesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List built images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			images, err := s.engine.Images.ListImages(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 3, ' ', 0)
			fmt.Fprintln(tw, "TAG\tIMAGE ID\tBASE\tPORT\tLAYERS\tSIZE")
			for _, img := range images {
				tags := strings.Join(img.Tags, ",")
				if tags == "" {
					tags = "<none>"
				}
				port := "-"
				if img.Config.ExposedPort != 0 {
					port = fmt.Sprintf("%d/%s", img.Config.ExposedPort, img.Config.Protocol)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					tags, shortID(img.ID), img.Config.BaseRuntime, port, len(img.Layers), units.HumanSize(float64(img.Size)))
			}
			return tw.Flush()
		},
	}
}

func newImportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import TAG DIR",
		Short: "Register a root filesystem directory as a base runtime",
		Long: `Import DIR as a single-layer image tagged TAG so recipes can pin
"FROM TAG" without a registry.`,
		Example: `  lighthouse import python:3.10-slim ./rootfs`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			img, err := s.engine.Importer.Import(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %s (%s)\n", args[1], args[0], shortID(img.ID))
			return nil
		},
	}
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
