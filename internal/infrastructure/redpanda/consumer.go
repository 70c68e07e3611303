package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxscan/internal/observability/metrics"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
}

// DefaultConsumerConfig returns defaults for analysis requests
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "analysis-worker",
		Topics:              []string{TopicAnalysisRequests},
		SessionTimeoutMS:    45000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      64,
		FetchMaxBytes:       64 * 1024 * 1024,
		StartOffset:         "earliest",
	}
}

// MessageHandler is called for each consumed message. Records of one
// partition are handled in order; partitions are handled concurrently.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// DeadLetterFunc stores a message the handler failed on. When it fails too,
// the record stays uncommitted and is redelivered after a restart.
type DeadLetterFunc func(ctx context.Context, msg *ConsumedMessage, cause error) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithDeadLetter sets where failed messages go
func WithDeadLetter(fn DeadLetterFunc) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = fn }
}

// WithConsumerMetrics records consumed messages
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// Consumer reads analysis requests and commits each record once it was
// handled or dead-lettered.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter DeadLetterFunc
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead   atomic.Int64
	bytesRead      atomic.Int64
	errorCount     atomic.Int64
	deadLettered   atomic.Int64
	lastCommitTime atomic.Int64
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for in-flight records and closes the client
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errorCount.Add(1)
		})

		var (
			mu   sync.Mutex
			done []*kgo.Record
			wg   sync.WaitGroup
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handled := c.processPartition(p.Records)
				mu.Lock()
				done = append(done, handled...)
				mu.Unlock()
			}()
		})
		wg.Wait()

		if len(done) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.client.CommitRecords(ctx, done...); err != nil {
			c.logger.Error("failed to commit offsets", zap.Int("records", len(done)), zap.Error(err))
		} else {
			c.lastCommitTime.Store(time.Now().UnixNano())
		}
		cancel()
	}
}

// processPartition handles records in order and returns the prefix that may
// be committed.
func (c *Consumer) processPartition(records []*kgo.Record) []*kgo.Record {
	for i, record := range records {
		if c.ctx.Err() != nil || !c.processRecord(record) {
			return records[:i]
		}
	}
	return records
}

// processRecord reports whether the record is finished with, either handled
// or dead-lettered.
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)
	c.messagesRead.Add(1)
	c.bytesRead.Add(int64(len(record.Value)))
	c.metrics.MessageConsumed()

	err := c.handler(ctx, msg)
	if err == nil {
		return true
	}
	if c.ctx.Err() != nil {
		return false
	}

	span.RecordError(err)
	c.errorCount.Add(1)
	c.logger.Error("message handler failed",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err))

	if c.deadLetter == nil {
		return false
	}
	if dlqErr := c.deadLetter(ctx, msg, err); dlqErr != nil {
		c.logger.Error("dead letter publish failed", zap.Int64("offset", record.Offset), zap.Error(dlqErr))
		return false
	}
	c.deadLettered.Add(1)
	return true
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	var last time.Time
	if n := c.lastCommitTime.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return ConsumerStats{
		MessagesRead:   c.messagesRead.Load(),
		BytesRead:      c.bytesRead.Load(),
		ErrorCount:     c.errorCount.Load(),
		DeadLettered:   c.deadLettered.Load(),
		LastCommitTime: last,
	}
}
