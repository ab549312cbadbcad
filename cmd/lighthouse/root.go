package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/engine"
	"github.com/melih/lighthouse/internal/logger"
)

// ExitError carries the exit code of a container run in the foreground.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("container exited with code %d", e.Code)
}

type rootOptions struct {
	configFile string
	envFile    string
	engine     string
	verbose    bool
}

// session is the configuration, logger and engine one command runs against.
type session struct {
	cfg    *config.Config
	logger *log.Logger
	engine *engine.Engine
}

func (o *rootOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: o.configFile, EnvFile: o.envFile})
	if err != nil {
		return nil, err
	}
	if o.engine != "" {
		cfg.Engine = o.engine
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	level := cfg.Log.Level
	if o.verbose {
		level = "debug"
	}
	lg, err := logger.New(cmd.ErrOrStderr(), level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: lg, engine: eng}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.engine.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to release engine", "err", err)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "lighthouse",
		Short: "Build layered images from recipes and launch them",
		Long: `lighthouse executes Dockerfile-style recipes (FROM, WORKDIR, COPY, RUN,
EXPOSE, CMD) into immutable, content-addressed images and launches them
with a host port mapping.

The native engine keeps images in a local store and runs containers as
host processes; the docker engine delegates both to a Docker daemon.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./lighthouse.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file (default ./.env)")
	root.PersistentFlags().StringVar(&opts.engine, "engine", "", "engine to use: native or docker (overrides config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newBuildCmd(opts),
		newRunCmd(opts),
		newImagesCmd(opts),
		newImportCmd(opts),
		newPsCmd(opts),
		newStopCmd(opts),
		newLogsCmd(opts),
	)
	return root
}
