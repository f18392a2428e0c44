package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"screenrelay/internal/app"
	"screenrelay/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	// Console logging until the configured logger is installed.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		log.Fatal().Err(err).Msg("screen relay exited with error")
	}
}

// run blocks until ctx is cancelled or the HTTP server fails, then shuts
// the application down.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := app.SetupLogging(cfg.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	// The hub outlives ctx so HTTP shutdown runs first.
	if err := application.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-application.Errors():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
