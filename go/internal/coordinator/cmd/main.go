package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/expsync/go/internal/coordinator"
	"github.com/mcdev12/expsync/go/internal/dbconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConfig := coordinator.DefaultServerConfig()
	serverConfig.Addr = ":" + getEnv("COORDINATOR_PORT", "8080")
	serverConfig.Timezone = getEnv("COORDINATOR_TIMEZONE", "UTC")
	serverConfig.AllowedOrigins = strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ",")

	hubConfig := coordinator.DefaultHubConfig()
	hubConfig.ReadTimeout = time.Duration(getEnvAsInt("COORDINATOR_READ_TIMEOUT_SECONDS", 90)) * time.Second

	var sink coordinator.LogSink = coordinator.NewMemorySink()
	if getEnv("COLLECTOR_SINK", "memory") == "postgres" {
		dbCfg := dbconfig.NewConfigFromEnv()
		pool, err := dbCfg.Connect(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pgSink := coordinator.NewPostgresSink(pool)
		if err := pgSink.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare collector schema")
		}
		sink = pgSink
		log.Info().Str("database", dbCfg.Database).Msg("collector using postgres sink")
	}

	hub := coordinator.NewHub(hubConfig, nil)
	server := coordinator.NewServer(hub, sink, nil, serverConfig).HTTPServer()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("coordinator starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("coordinator shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
