package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkuzmin/stackwarden/internal/config"
	"github.com/mkuzmin/stackwarden/internal/engine"
	"github.com/mkuzmin/stackwarden/internal/logging"
	"github.com/mkuzmin/stackwarden/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info")
		fallback.Fatal().Err(err).Msg("configuration error")
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info().
		Str("services_file", cfg.ServicesFile).
		Str("compose_file", cfg.ComposeFile).
		Dur("health_interval", cfg.HealthInterval).
		Dur("resource_interval", cfg.ResourceInterval).
		Msg("stackwarden starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var defs []config.ServiceDef
	if cfg.ServicesFile != "" {
		defs, err = config.LoadServicesFile(cfg.ServicesFile)
	} else {
		defs, err = config.LoadComposeFile(ctx, cfg.ComposeFile)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load service definitions")
	}

	eng, err := engine.New(logger, cfg, defs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble engine")
	}

	server.Start(ctx, logger, cfg.ListenAddr, eng.Tracker(), eng.Registry(), eng.Metrics())

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("engine exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("stackwarden stopped")
}
