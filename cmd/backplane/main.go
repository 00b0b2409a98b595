package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/daemon"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Deploy struct{} `cmd:"" help:"Start the deploy service (build orchestration and CDN deployment)"`

	Observe struct{} `cmd:"" help:"Start the observability service (telemetry ingest, SLO alerting, session metrics)"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a starter configuration file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "deploy":
		runService(func(cfg *config.Config, logger *slog.Logger) (service, error) {
			d, err := daemon.NewDeployDaemon(cfg, logger)
			if err != nil {
				return nil, err
			}
			return d, nil
		})
	case "observe":
		runService(func(cfg *config.Config, logger *slog.Logger) (service, error) {
			d, err := daemon.NewObserveDaemon(cfg, CLI.Config, logger)
			if err != nil {
				return nil, err
			}
			return d, nil
		})
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", CLI.Config)
	case "version":
		fmt.Printf("backplane %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
	default:
		_ = ctx.PrintUsage(false)
		os.Exit(1)
	}
}

type service interface {
	Run(ctx context.Context) error
}

func runService(build func(*config.Config, *slog.Logger) (service, error)) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if CLI.Verbose {
		cfg.Logging.Level = "debug"
	}
	logger := daemon.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	adapter := errors.NewCLIErrorAdapter(CLI.Verbose, logger)

	svc, err := build(cfg, logger)
	if err != nil {
		adapter.HandleError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		stop()
		adapter.HandleError(err)
	}
}
