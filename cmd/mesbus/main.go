// Command mesbus runs the manufacturing event backbone with its admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/yusliao/mesevents/internal/admin"
	"github.com/yusliao/mesevents/pkg/mesevents"
	"github.com/yusliao/mesevents/pkg/mesevents/config"
	"github.com/yusliao/mesevents/pkg/mesevents/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file (optional)")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	if err := run(*configPath, *printConfig, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mesbus: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, printConfig bool, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	logger := observability.NewLogger("mesbus", cfg.Log.Format, cfg.Log.Level, stdout)
	slog.SetDefault(logger)

	bb, err := mesevents.Open(cfg, newRegistry(logger), mesevents.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open backbone: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bb.Run(gctx)
	})

	if cfg.Server.Enabled {
		opts := []admin.Option{
			admin.WithLogger(logger),
			admin.WithShutdownTimeout(cfg.Server.ShutdownTimeoutDuration()),
		}
		if bb.Prometheus != nil {
			opts = append(opts, admin.WithMetricsHandler(cfg.Metrics.Path, bb.Prometheus.Handler()))
		}
		srv := admin.New(cfg.Server.Addr(), cfg.Server.Mode, bb.Bus, bb.DeadLetters, opts...)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("mesbus stopped with error", slog.String("error", runErr.Error()))
	}

	logger.Info("draining handlers", slog.Duration("timeout", cfg.Dispatch.DrainTimeoutDuration()))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeoutDuration())
	defer cancel()
	if err := bb.Close(drainCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("shutdown complete")
	return runErr
}
