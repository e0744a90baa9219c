package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ai-voice-relay-service/internal/api/ws"
	"ai-voice-relay-service/internal/config"
	"ai-voice-relay-service/internal/events"
	relayhttp "ai-voice-relay-service/internal/http"
	"ai-voice-relay-service/internal/observability"
	"ai-voice-relay-service/internal/observability/logging"
)

func main() {
	// .env is optional; in containers everything comes from the environment.
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	if cfg.Upstream.APIKey == "" {
		log.Warn().Msg("no upstream API key configured, sessions will fail to connect")
	}

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	obs := observability.NewServer(":" + cfg.Service.MetricsPort)
	obs.Start()

	handler := ws.NewHandler(cfg, publisher)
	server := &http.Server{
		Addr:    ":" + cfg.Service.HTTPPort,
		Handler: relayhttp.NewRouter(handler),
	}

	go func() {
		log.Info().
			Str("port", cfg.Service.HTTPPort).
			Str("provider", cfg.Upstream.Provider).
			Str("voice", cfg.Session.Voice).
			Msg("Voice relay service started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	obs.SetReady(true)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := obs.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown failed")
	}
}
