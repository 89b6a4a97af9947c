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

	"github.com/ivanfer8/voice-agent/internal/config"
	"github.com/ivanfer8/voice-agent/internal/observability"
	"github.com/ivanfer8/voice-agent/internal/orchestrator"
	"github.com/ivanfer8/voice-agent/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before the logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	mode := "realtime"
	if !cfg.EnableRealtime {
		mode = "legacy"
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("mode", mode).
		Str("stt_provider", cfg.STTProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Gateway starting")

	// Process-wide session registry; its reaper runs until Close
	registry := session.NewRegistry(cfg)

	startTime := time.Now()
	mux := http.NewServeMux()

	if cfg.EnableRealtime {
		mux.HandleFunc("/v2/voice", orchestrator.HandleVoiceWS(cfg, registry))
	} else {
		// The legacy blocking handler ships separately; this build only
		// exposes the realtime pipeline.
		logger.Warn().Msg("realtime disabled and no legacy handler built in; /v2/voice not registered")
	}

	mux.HandleFunc("/health", observability.HealthCheckHandler(mode, startTime))
	mux.HandleFunc("/info", observability.InfoHandler(observability.ServiceInfo{
		Service:  "voice-agent-gateway",
		Version:  "2.0.0",
		Mode:     mode,
		Endpoint: "/v2/voice",
		Providers: map[string]string{
			"stt": cfg.STTProvider,
			"llm": cfg.OpenAIModel,
			"tts": cfg.ElevenLabsModel,
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/v2/voice", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Destroy remaining sessions and stop the reaper
	registry.Close()

	logger.Info().Msg("Server exited gracefully")
}
