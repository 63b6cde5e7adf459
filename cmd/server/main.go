// Command server starts the vodforge ingest HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vodforge/internal/config"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/serverutil"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vodforge: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting vodforge", newStartupSummary(cfg).LogArgs()...)

	application, err := buildApp(ctx, cfg, logger, recorder)
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          application.server.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")

	if runErr != nil {
		os.Exit(1)
	}
}
