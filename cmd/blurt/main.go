package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blurtlabs/blurt/internal/config"
	"github.com/blurtlabs/blurt/internal/discord"
	"github.com/blurtlabs/blurt/internal/observability"
	"github.com/blurtlabs/blurt/internal/prefs"
	"github.com/blurtlabs/blurt/internal/tts"
	"github.com/blurtlabs/blurt/internal/voice"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.HTTPPort).
		Str("tts_api_url", cfg.TTSAPIURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Blurt starting")

	store, err := prefs.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open preference store")
	}

	synth := tts.NewCartesiaClient(cfg.TTSAPIURL, cfg.TTSAPIKey, cfg.TTSModel,
		time.Duration(cfg.TTSTimeout)*time.Second)

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway session")
	}

	transport := discord.NewTransport(session, cfg.FFmpegPath)
	registry := voice.NewRegistry(transport, synth, voice.Options{
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		ReconnectGrace: time.Duration(cfg.ReconnectGrace) * time.Second,
		StartTimeout:   time.Duration(cfg.PlaybackStartTimeout) * time.Second,
		SynthTimeout:   time.Duration(cfg.TTSTimeout) * time.Second,
		QueueDepth:     cfg.QueueDepth,
	})

	bot := discord.NewBot(cfg, session, registry, store)

	// Create HTTP server
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))

	// Readiness endpoint
	databaseCheck := func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, map[string]observability.HealthCheckFunc{
		"database": databaseCheck,
		"cartesia": synth.Healthy,
		"gateway":  bot.GatewayHealthy,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	err = bot.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open gateway")
	}

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	// Voice sessions need the gateway open to disconnect cleanly, so the
	// registry drains before the session closes.
	registry.Shutdown()
	bot.Stop()
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Closing preference store")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("HTTP server forced to shutdown")
	}

	logger.Info().Msg("Exited gracefully")
}
