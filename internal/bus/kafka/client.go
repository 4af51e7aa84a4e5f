package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
)

// ConsumerConfig configures the Kafka consumer group client
type ConsumerConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	FetchMaxWait   time.Duration
	SessionTimeout time.Duration

	// OnRevoked is called for every partition whose ownership is lost,
	// before the group client finishes the rebalance.
	OnRevoked func(tp bus.TopicPartition)
}

// Consumer is a manual-commit Kafka consumer group client
type Consumer struct {
	client *kgo.Client
	topic  string
	log    *zap.Logger

	mu       sync.Mutex
	assigned map[bus.TopicPartition]bool
	paused   bool
}

// NewConsumer creates a consumer group client subscribed to the configured
// topic. Only offsets explicitly marked through MarkProcessed are ever
// committed; CommitMarked forces a synchronous commit of the marks.
// Rebalances are blocked while a polled batch is being processed.
func NewConsumer(cfg ConsumerConfig, log *zap.Logger) (*Consumer, error) {
	c := &Consumer{
		topic:    cfg.Topic,
		log:      log,
		assigned: make(map[bus.TopicPartition]bool),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		// Marked-only commits: MarkCommitRecords and CommitMarkedOffsets
		// are no-ops without this option.
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked(cfg.OnRevoked)),
		kgo.OnPartitionsLost(c.onRevoked(cfg.OnRevoked)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	c.client = client

	log.Info("Kafka consumer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID))

	return c, nil
}

func (c *Consumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, parts := range assigned {
		for _, p := range parts {
			c.assigned[bus.TopicPartition{Topic: topic, Partition: p}] = true
		}
	}
	c.log.Info("Partitions assigned", zap.Any("partitions", assigned))
}

func (c *Consumer) onRevoked(hook func(tp bus.TopicPartition)) func(context.Context, *kgo.Client, map[string][]int32) {
	return func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
		c.mu.Lock()
		for topic, parts := range revoked {
			for _, p := range parts {
				delete(c.assigned, bus.TopicPartition{Topic: topic, Partition: p})
			}
		}
		c.mu.Unlock()

		c.log.Info("Partitions revoked", zap.Any("partitions", revoked))

		if hook == nil {
			return
		}
		for topic, parts := range revoked {
			for _, p := range parts {
				hook(bus.TopicPartition{Topic: topic, Partition: p})
			}
		}
	}
}

// Poll pulls the next batch of records. Any fetch error is returned as fatal:
// the client has already exhausted its own retry budget by the time an error
// surfaces here.
func (c *Consumer) Poll(ctx context.Context, maxRecords int) ([]bus.Message, error) {
	fetches := c.client.PollRecords(ctx, maxRecords)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka client closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("fetch error on %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
	}

	var msgs []bus.Message
	fetches.EachRecord(func(rec *kgo.Record) {
		msgs = append(msgs, bus.Message{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
			Timestamp: rec.Timestamp,
			Record:    rec,
		})
	})
	return msgs, nil
}

// MarkProcessed marks messages for the next commit
func (c *Consumer) MarkProcessed(msgs ...bus.Message) {
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		if m.Record != nil {
			recs = append(recs, m.Record)
		}
	}
	if len(recs) > 0 {
		c.client.MarkCommitRecords(recs...)
	}
}

// CommitMarked commits all marked offsets to the group coordinator
func (c *Consumer) CommitMarked(ctx context.Context) error {
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("failed to commit marked offsets: %w", err)
	}
	return nil
}

// Pause stops fetching from the subscribed topic
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.client.PauseFetchTopics(c.topic)
	c.paused = true
	c.log.Info("Fetching paused", zap.String("topic", c.topic))
}

// Resume restarts fetching; a no-op when not paused
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.client.ResumeFetchTopics(c.topic)
	c.paused = false
	c.log.Info("Fetching resumed", zap.String("topic", c.topic))
}

// Assigned reports whether this instance currently owns the partition
func (c *Consumer) Assigned(tp bus.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assigned[tp]
}

// Close leaves the group and releases the client
func (c *Consumer) Close() {
	c.client.Close()
}
