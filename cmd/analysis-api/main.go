// Package main provides the analysis API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/api/handlers"
	"github.com/drfirst/go-rxscan/internal/api/middleware"
	"github.com/drfirst/go-rxscan/internal/bootstrap"
	"github.com/drfirst/go-rxscan/internal/config"
	"github.com/drfirst/go-rxscan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxscan/internal/observability/logging"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
	"github.com/drfirst/go-rxscan/internal/observability/tracing"
)

const serviceName = "analysis-api"

func main() {
	cfg, err := config.Load(os.Getenv("RXSCAN_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.FromConfig(serviceName, cfg.Tracing))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	components, err := bootstrap.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to build analysis pipeline", zap.Error(err))
	}
	defer components.Close()

	analysisHandler := handlers.NewAnalysisHandler(components.Analyzer, cfg.HTTP.MaxBodyBytes, logger.Named("handlers"))
	if cfg.Kafka.Enabled {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = cfg.Kafka.Brokers
		producer, err := redpanda.NewProducer(producerCfg, m, logger.Named("producer"))
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		analysisHandler.WithSubmitter(producer)
		components.Checks["kafka"] = func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, cfg.Kafka.Brokers)
		}
	}

	checks := make(map[string]handlers.Check, len(components.Checks))
	for name, check := range components.Checks {
		checks[name] = handlers.Check(check)
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", handlers.Health(serviceName, "1.0.0"))
	r.Get("/ready", handlers.Ready(5*time.Second, checks))
	r.Handle("/metrics", m.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.HTTP.APIKeys))
		if cfg.HTTP.RateLimit > 0 {
			limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst)
			go pruneLimiter(ctx, limiter, logger)
			r.Use(middleware.RateLimit(limiter))
		}
		r.Mount("/analyses", analysisHandler.Routes())
		r.Mount("/breakers", handlers.NewBreakerHandler(components.Breakers, logger).Routes())
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting analysis API", zap.Int("port", cfg.HTTP.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func pruneLimiter(ctx context.Context, limiter *middleware.RateLimiter, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				logger.Debug("rate limiter pruned", zap.Int("clients", n))
			}
		}
	}
}
