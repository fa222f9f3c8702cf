package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/expsync/go/internal/config"
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(os.Getenv("EXPSYNC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up client")
	}
	defer services.Close()

	identity := connection.Identity{SessionID: cfg.SessionID, Role: cfg.Role}
	if err := services.Sync.Start(ctx, identity); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	log.Info().
		Str("role", string(cfg.Role)).
		Str("sessionId", services.Manager.Identity().SessionID).
		Msg("client started")

	loop := &commandLoop{
		ctrl:         services.Sync,
		experimentID: cfg.Sequence.ExperimentID,
		sequence:     services.Sequence,
		out:          os.Stdout,
	}
	done := make(chan error, 1)
	go func() { done <- loop.run(ctx, os.Stdin) }()

	// Wait for interrupt signal or the command loop to finish
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("command loop failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := services.Sync.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown failed")
	}
	cancel()

	stats := services.Metrics.Snapshot()
	log.Info().Interface("logMetrics", stats).Msg("client shutdown complete")
}
