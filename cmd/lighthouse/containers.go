package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/config"
)

// openDetached opens a session for commands that address containers started
// by another process.
func openDetached(root *rootOptions, cmd *cobra.Command) (*session, error) {
	s, err := root.open(cmd.Context(), cmd)
	if err != nil {
		return nil, err
	}
	if s.cfg.Engine == config.EngineNative {
		s.close(cmd.Context())
		return nil, errNativeDetached
	}
	return s, nil
}

func newPsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openDetached(root, cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			containers, err := s.engine.ContainerService(s.logger).List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 3, ' ', 0)
			fmt.Fprintln(tw, "CONTAINER ID\tIMAGE\tCREATED\tSTATUS\tPORTS\tNAME")
			for _, c := range containers {
				ports := make([]string, 0, len(c.Ports))
				for _, p := range c.Ports {
					ports = append(ports, p.String())
				}
				created := units.HumanDuration(time.Since(c.CreatedAt)) + " ago"
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", shortID(c.ID), c.Image, created, c.Status, strings.Join(ports, ","), c.Name)
			}
			return tw.Flush()
		},
	}
}

func newStopCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop CONTAINER...",
		Short: "Stop containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openDetached(root, cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			svc := s.engine.ContainerService(s.logger)
			for _, id := range args {
				if err := svc.Stop(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newLogsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs CONTAINER",
		Short: "Print container output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openDetached(root, cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			rc, err := s.engine.ContainerService(s.logger).Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}
