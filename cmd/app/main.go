package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/umbrellio/sneakers-handlers/config"
	"github.com/umbrellio/sneakers-handlers/internal/eventbus"
	"github.com/umbrellio/sneakers-handlers/internal/monitor"
	"github.com/umbrellio/sneakers-handlers/internal/processor"
	"github.com/umbrellio/sneakers-handlers/internal/quarantine"
	"github.com/umbrellio/sneakers-handlers/internal/requeue"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level from config
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("appName", cfg.AppName).Msg("Application starting")

	// --- Initializations ---

	monitor.Init()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics endpoint stopped")
		}
	}()

	// Quarantine audit store is optional; without it quarantines are only
	// logged and routed to the error queue.
	var store requeue.QuarantineStore
	if cfg.QuarantineAuditEnabled {
		db, err := quarantine.New(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize quarantine store")
		}
		defer db.Close()
		store = db
	}

	// Initialize RabbitMQ Connection Manager
	rmqManager, err := eventbus.NewRabbitMQManager(cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ Manager")
	}
	defer rmqManager.Close()

	// Initialize the message processor
	msgProcessor := processor.New(cfg)

	// Start the consumer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rmqManager.StartConsuming(ctx, msgProcessor.MessageHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start consumer")
	}

	log.Info().Msg("Application setup complete. Running and waiting for messages.")
	log.Info().Msg("Press Ctrl+C to exit.")

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// --- Graceful Shutdown ---
	log.Info().Msg("Application shutting down...")
	cancel() // Signal context cancellation to long-running tasks
}
