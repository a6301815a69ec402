// Package redpanda carries lab lifecycle events over Kafka-compatible
// brokers using franz-go.
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

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

// Topic names used by the lab services.
const (
	TopicTestEvents  = "lab.test.events"
	TopicOrderEvents = "lab.order.events"
	TopicAuditTrail  = "audit.trail"
	TopicDeadLetter  = "dead.letter"
)

// TopicForEvent routes a lifecycle event: order placement goes to the order
// topic, every test transition to the test topic.
func TopicForEvent(e *laborder.Event) string {
	if e.TestID == "" {
		return TopicOrderEvents
	}
	return TopicTestEvents
}

// KeyForEvent keys test events by test id so one test's transitions stay
// ordered within a partition. Order events are keyed by order id.
func KeyForEvent(e *laborder.Event) string {
	if e.TestID != "" {
		return e.TestID
	}
	return e.AggregateID
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout. Replication is 1 for local
// clusters; production overrides it.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	retained := func(ms string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(ms),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	return []TopicConfig{
		{Name: TopicTestEvents, Partitions: 12, ReplicationFactor: 1, Configs: retained("604800000")},
		{Name: TopicOrderEvents, Partitions: 6, ReplicationFactor: 1, Configs: retained("604800000")},
		// Audit records are kept for 30 days for compliance review.
		{Name: TopicAuditTrail, Partitions: 6, ReplicationFactor: 1, Configs: retained("2592000000")},
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: 1, Configs: retained("604800000")},
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

// CreateTopics creates the specified topics
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, int32(cfg.Partitions), cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics ensures all required topics exist with proper configuration
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// TotalLag sums a consumer group's lag across all of its partitions.
func (a *Admin) TotalLag(ctx context.Context, groupID string) (int64, error) {
	lag, err := a.GetConsumerGroupLag(ctx, groupID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, partitions := range lag {
		for _, l := range partitions {
			if l > 0 {
				total += l
			}
		}
	}
	return total, nil
}

// GetConsumerGroupLag returns the lag for a consumer group
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
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
