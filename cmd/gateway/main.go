package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"modelgate/internal/config"
	"modelgate/internal/handlers"
	"modelgate/internal/httpserver"
	"modelgate/internal/instrument"
	"modelgate/internal/metrics"
	"modelgate/internal/orchestrator"
	"modelgate/internal/prefs"
	"modelgate/internal/provider"
	"modelgate/internal/selector"
	"modelgate/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := config.Load()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("version_id", cfg.VersionID),
		zap.String("default_model", cfg.DefaultModel),
		zap.Bool("auto_select", cfg.AutoSelect),
		zap.Bool("fallback_enabled", cfg.FallbackEnabled),
		zap.String("prefs_backend", cfg.PrefsBackend),
		zap.Bool("openai_enabled", cfg.OpenAI.Enabled),
		zap.Bool("anthropic_enabled", cfg.Anthropic.Enabled),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.PrefsBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Preference store -----
	prefStore := prefs.NewStore(prefs.Config{
		Backend: cfg.PrefsBackend,
		Prefix:  "modelgate",
	}, redisClient)

	// ----- Provider adapters -----
	var adapters []provider.Adapter
	if cfg.OpenAI.Enabled {
		adapters = append(adapters, provider.NewOpenAIAdapter(provider.AdapterConfig{
			BaseURL:         cfg.OpenAI.BaseURL,
			APIKey:          cfg.OpenAI.APIKey,
			UpstreamTimeout: cfg.RequestTimeout,
		}, logger))
	}
	if cfg.Anthropic.Enabled {
		adapters = append(adapters, provider.NewAnthropicAdapter(provider.AdapterConfig{
			BaseURL:         cfg.Anthropic.BaseURL,
			APIKey:          cfg.Anthropic.APIKey,
			UpstreamTimeout: cfg.RequestTimeout,
		}, logger))
	}

	registry := provider.NewRegistry(logger, adapters...)
	if len(registry.Providers()) == 0 {
		logger.Warn("no providers configured; chat requests will fail until keys are set")
	}

	// Initial health fan-out so the first request sees a real snapshot.
	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 10*time.Second)
	registry.RefreshHealth(healthCtx)
	cancelHealth()

	// ----- Selection + instrumentation -----
	sel := selector.New(registry, prefStore, selector.Config{
		ProvenProvider:      cfg.ProvenProvider,
		ProvenProviderBonus: cfg.ProvenProviderBonus,
	}, logger)

	tracker := instrument.NewTracker(0, logger)

	// ----- Orchestrator -----
	orch := orchestrator.New(registry, sel, tracker, orchestrator.Config{
		DefaultModel:        cfg.DefaultModel,
		DefaultProvider:     cfg.DefaultProvider,
		AutoSelect:          cfg.AutoSelect,
		FallbackEnabled:     cfg.FallbackEnabled,
		LoadBalanceStrategy: cfg.LoadBalanceStrategy,
	}, logger)

	// ----- Handlers -----
	chatHandler := handlers.NewChatHandler(orch)
	modelsHandler := handlers.NewModelsHandler(registry)
	prefsHandler := handlers.NewPrefsHandler(prefStore)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler, modelsHandler, prefsHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout must cover the longest stream; slow clients are
		// bounded by the request context instead.
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.Strings("providers", registry.Providers()),
		zap.String("version_id", cfg.VersionID),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
