package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for asynchronous prescription analysis
const (
	TopicAnalysisRequests = "prescription.analysis.requests"
	TopicAnalysisResults  = "prescription.analysis.results"
	TopicDeadLetter       = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// Layout sizes the analysis topics. The dead letter topic gets half the
// partitions, at least one.
type Layout struct {
	Partitions        int32
	ReplicationFactor int16
}

// DefaultLayout suits a single-broker development cluster.
func DefaultLayout() Layout {
	return Layout{Partitions: 6, ReplicationFactor: 1}
}

// TopicConfigs returns the analysis topics for l. Requests carry photos, so
// their message size limit is raised; results keep a week of history.
func TopicConfigs(l Layout) []TopicConfig {
	if l.Partitions < 1 {
		l.Partitions = DefaultLayout().Partitions
	}
	if l.ReplicationFactor < 1 {
		l.ReplicationFactor = 1
	}
	ptr := func(s string) *string { return &s }
	day := (24 * time.Hour).Milliseconds()

	return []TopicConfig{
		{
			Name:              TopicAnalysisRequests,
			Partitions:        l.Partitions,
			ReplicationFactor: l.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":      ptr(fmt.Sprint(day)),
				"cleanup.policy":    ptr("delete"),
				"compression.type":  ptr("producer"),
				"max.message.bytes": ptr(fmt.Sprint(16 << 20)),
			},
		},
		{
			Name:              TopicAnalysisResults,
			Partitions:        l.Partitions,
			ReplicationFactor: l.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr(fmt.Sprint(7 * day)),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        max(l.Partitions/2, 1),
			ReplicationFactor: l.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":      ptr(fmt.Sprint(7 * day)),
				"cleanup.policy":    ptr("delete"),
				"max.message.bytes": ptr(fmt.Sprint(16 << 20)),
			},
		},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// EnsureTopics creates every missing analysis topic. Existing topics are left
// as they are, even when their layout differs.
func (a *Admin) EnsureTopics(ctx context.Context, l Layout) error {
	var errs []error
	for _, cfg := range TopicConfigs(l) {
		resp, err := a.client.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("create topic %s: %w", cfg.Name, err))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic already exists", zap.String("topic", cfg.Name))
		case resp.Err != nil:
			errs = append(errs, fmt.Errorf("create topic %s: %w", cfg.Name, resp.Err))
		default:
			a.logger.Info("topic created",
				zap.String("topic", cfg.Name),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return errors.Join(errs...)
}

// ConsumerLag returns the total lag of a consumer group across partitions
func (a *Admin) ConsumerLag(ctx context.Context, groupID string) (int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	var total int64
	described.Each(func(l kadm.DescribedGroupLag) {
		total += l.Lag.Total()
	})
	return total, nil
}

// Ping checks that at least one broker answers metadata requests
func (a *Admin) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	brokers, err := a.client.ListBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list brokers: %w", err)
	}
	if len(brokers) == 0 {
		return errors.New("no brokers available")
	}
	return nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity with a short-lived client
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}
