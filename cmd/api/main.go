package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/melih/lighthouse/internal/adapters/http"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/engine"
	"github.com/melih/lighthouse/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		log.Error("Server failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// run serves the API until ctx is cancelled. Any startup or serve failure is
// returned after the engine has been released.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "config file (default ./lighthouse.yaml)")
	envFile := fs.String("env-file", "", "dotenv file (default ./.env)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 1. Configuration
	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	lg, err := logger.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	// 2. Initialize Adapters (Infrastructure)
	eng, err := engine.New(ctx, cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s engine: %w", cfg.Engine, err)
	}

	// 3. Initialize HTTP Handlers (Interface Adapters)
	images := eng.ImageService(lg.WithPrefix("images"))
	containers := eng.ContainerService(lg.WithPrefix("containers"))
	routes := http.RouterConfig{
		Images:     http.NewImageHandler(images),
		Containers: http.NewContainerHandler(containers),
		Logger:     lg.WithPrefix("http"),
	}
	if cfg.Proxy.Domain != "" {
		routes.Proxy = http.NewProxyHandler(containers, cfg.Proxy.Domain, lg.WithPrefix("proxy"))
	}
	app := http.NewRouter(routes)

	// 4. Start Server
	errCh := make(chan error, 1)
	go func() {
		lg.Info("Server starting", "addr", cfg.Addr(), "engine", cfg.Engine)
		errCh <- app.Listen(cfg.Addr())
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("failed to serve on %s: %w", cfg.Addr(), serveErr)
		}
	case <-ctx.Done():
		lg.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Error("Server shutdown failed", "err", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		lg.Error("Failed to stop containers", "err", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
