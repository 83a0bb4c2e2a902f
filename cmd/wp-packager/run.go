package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/wp-packager/internal/config"
	"github.com/fgeck/wp-packager/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runPackager(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	timestamp := runner.Timestamp(time.Now())

	log.Info().
		Str("config", configFile).
		Str("output", cfg.Output).
		Bool("dry_run", cfg.DryRun).
		Dur("timeout", cfg.Timeout).
		Bool("remote", cfg.Remote != nil).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	// Run packaging
	runnerSvc := runner.New(log.Logger, *cfg)
	summary, err := runnerSvc.Run(ctx, *cfg, args, timestamp)
	if err != nil {
		log.Error().Err(err).Msg("packaging failed")
		return err
	}

	log.Info().
		Int("archived", summary.Archived()).
		Int("skipped", summary.Skipped()).
		Msg("packaging completed successfully")
	return nil
}
