package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services"
)

// errNativeDetached is returned for commands that need containers to outlive
// the CLI process, which native containers do not.
var errNativeDetached = errors.New("native containers belong to the process that started them; use the API server (cmd/api) or --engine docker")

type runOptions struct {
	name    string
	publish string
	env     []string
	detach  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE",
		Short: "Launch an image",
		Long: `Launch a container from a built image and follow its output until it
exits or the command is interrupted, which stops it.`,
		Example: `  lighthouse run -p 8000 app:v1
  lighthouse run -p 9000:8000 --name api -e DEBUG=1 app:v1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			if opts.detach && s.cfg.Engine == config.EngineNative {
				return errNativeDetached
			}

			svc := s.engine.ContainerService(s.logger.WithPrefix("containers"))
			c, err := svc.Start(cmd.Context(), services.LaunchRequest{Image: args[0], Name: opts.name, Publish: opts.publish, Env: opts.env})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "started %s (%s)", c.Name, c.ID)
			for _, p := range c.Ports {
				fmt.Fprintf(cmd.ErrOrStderr(), " %s", p)
			}
			fmt.Fprintln(cmd.ErrOrStderr())
			if opts.detach {
				fmt.Fprintln(cmd.OutOrStdout(), c.ID)
				return nil
			}
			return attach(cmd.Context(), svc, c.ID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "container name")
	cmd.Flags().StringVarP(&opts.publish, "publish", "p", "", "publish the port as host[:container[/proto]]")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "set environment variables (KEY=VALUE)")
	cmd.Flags().BoolVarP(&opts.detach, "detach", "d", false, "return once started (docker engine only)")
	return cmd
}

const pollInterval = 200 * time.Millisecond

// attach copies the container's output to w until it exits. Cancelling ctx
// stops the container.
func attach(ctx context.Context, svc *services.ContainerService, id string, w io.Writer) error {
	var written int64
	for {
		n, err := copyLogsFrom(context.WithoutCancel(ctx), svc, id, written, w)
		if err != nil {
			return err
		}
		written += n

		c, err := svc.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return err
		}
		if c.State != domain.ContainerStateRunning {
			if _, err := copyLogsFrom(context.WithoutCancel(ctx), svc, id, written, w); err != nil {
				return err
			}
			if c.ExitCode != 0 {
				return &ExitError{Code: c.ExitCode}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return svc.Stop(context.WithoutCancel(ctx), id)
		case <-time.After(pollInterval):
		}
	}
}

// copyLogsFrom writes the log bytes after offset to w.
func copyLogsFrom(ctx context.Context, svc *services.ContainerService, id string, offset int64, w io.Writer) (int64, error) {
	rc, err := svc.Logs(ctx, id)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return io.Copy(w, rc)
}
