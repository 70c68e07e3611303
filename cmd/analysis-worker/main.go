// Package main provides the analysis worker entry point.
// Consumes analysis requests, runs the pipeline and publishes result events.
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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/api/handlers"
	"github.com/drfirst/go-rxscan/internal/bootstrap"
	"github.com/drfirst/go-rxscan/internal/config"
	"github.com/drfirst/go-rxscan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxscan/internal/observability/logging"
	"github.com/drfirst/go-rxscan/internal/observability/metrics"
	"github.com/drfirst/go-rxscan/internal/observability/tracing"
	"github.com/drfirst/go-rxscan/internal/worker"
	"github.com/drfirst/go-rxscan/pkg/idempotency"
	"github.com/drfirst/go-rxscan/pkg/workerpool"
)

const serviceName = "analysis-worker"

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

	// Ensure topics exist
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger.Named("admin"))
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if cfg.Kafka.EnsureTopics {
		layout := redpanda.Layout{Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor}
		if err := admin.EnsureTopics(ctx, layout); err != nil {
			logger.Fatal("failed to ensure topics", zap.Error(err))
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	opts := []worker.Option{worker.WithLogger(logger.Named("processor"))}
	if components.Redis != nil {
		inbox := idempotency.NewInbox(
			idempotency.NewRedisStore(components.Redis, ""),
			idempotency.DefaultInboxConfig(),
			logger.Named("inbox"),
		)
		opts = append(opts, worker.WithInbox(inbox))
	} else {
		logger.Warn("redis disabled; redelivered requests will be analysed again")
	}
	processor := worker.NewProcessor(components.Analyzer, producer, redpanda.TopicAnalysisResults, opts...)

	// Create worker pool
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Worker.Workers
	poolCfg.QueueSize = cfg.Worker.QueueSize
	poolCfg.TaskTimeout = cfg.Worker.TaskTimeout

	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		err := processor.Handle(ctx, task.Payload.([]byte))
		return &workerpool.Result{
			TaskID:    task.ID,
			Success:   err == nil,
			Error:     err,
			Retryable: worker.Retryable(err),
		}
	}, logger.Named("pool"))
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Topics = []string{redpanda.TopicAnalysisRequests}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		return submit(ctx, workerPool, &workerpool.Task{
			ID:      string(msg.Key),
			Payload: msg.Value,
			Context: ctx,
		})
	}, logger.Named("consumer"),
		redpanda.WithConsumerMetrics(m),
		redpanda.WithDeadLetter(func(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
			if err := processor.Fail(ctx, msg.Value, cause); err != nil {
				logger.Warn("failed to publish analysis failure", zap.Error(err))
			}
			return producer.Produce(ctx, redpanda.Record{
				Topic: redpanda.TopicDeadLetter,
				Key:   string(msg.Key),
				Value: msg.Value,
				Headers: map[string]string{
					"source_topic":     msg.Topic,
					"source_partition": strconv.Itoa(int(msg.Partition)),
					"source_offset":    strconv.FormatInt(msg.Offset, 10),
					"error":            cause.Error(),
				},
			})
		}),
	)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	go reportLag(ctx, admin, cfg.Kafka.GroupID, logger)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:     opsRouter(admin, components, workerPool, m),
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("analysis worker started", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	if err := workerPool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("analysis worker stopped")
}

// submit hands the task to the pool, waiting for queue space when it is full.
func submit(ctx context.Context, pool *workerpool.Pool, task *workerpool.Task) error {
	for {
		result, err := pool.SubmitWait(ctx, task)
		switch {
		case errors.Is(err, workerpool.ErrQueueFull):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		case err != nil:
			return err
		case !result.Success:
			return result.Error
		}
		return nil
	}
}

func opsRouter(admin *redpanda.Admin, components *bootstrap.Components, pool *workerpool.Pool, m *metrics.Metrics) http.Handler {
	checks := map[string]handlers.Check{
		"kafka": admin.Ping,
		"workers": func(context.Context) error {
			if !pool.IsHealthy() {
				return errors.New("worker pool saturated")
			}
			return nil
		},
	}
	for name, check := range components.Checks {
		checks[name] = handlers.Check(check)
	}

	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName, "1.0.0"))
	r.Get("/ready", handlers.Ready(5*time.Second, checks))
	r.Handle("/metrics", m.Handler())
	r.Mount("/breakers", handlers.NewBreakerHandler(components.Breakers, nil).Routes())
	return r
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.ConsumerLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.Error(err))
				continue
			}
			logger.Info("consumer lag", zap.String("group", group), zap.Int64("lag", lag))
		}
	}
}
