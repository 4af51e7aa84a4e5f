package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ProducerConfig configures the outbound Kafka producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
}

// Producer publishes metric and log records to outbound topics. Messages are
// keyed so downstream consumers get per-tenant partition affinity.
type Producer struct {
	client *kgo.Client
	log    *zap.Logger
}

// NewProducer creates a producer client
func NewProducer(cfg ProducerConfig, log *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{client: client, log: log}, nil
}

// Produce publishes one record and waits for the broker acknowledgment
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes buffered records and releases the client
func (p *Producer) Close() {
	p.client.Close()
}
