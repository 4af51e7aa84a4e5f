package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
)

func pollAtLeast(t *testing.T, c *Consumer, want int, timeout time.Duration) []bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var msgs []bus.Message
	for len(msgs) < want {
		batch, err := c.Poll(ctx, 100)
		if err != nil {
			t.Fatalf("poll: %v (got %d of %d messages)", err, len(msgs), want)
		}
		msgs = append(msgs, batch...)
	}
	return msgs
}

func TestConsumerContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("events"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	for i := 0; i < 2; i++ {
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "events", Value: payload}).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	cfg := ConsumerConfig{
		Brokers: []string{broker},
		Topic:   "events",
		GroupID: "ingester-it",
	}

	first, err := NewConsumer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msgs := pollAtLeast(t, first, 2, 30*time.Second)
	first.MarkProcessed(msgs...)
	if err := first.CommitMarked(ctx); err != nil {
		t.Fatalf("commit marked: %v", err)
	}
	first.Close()

	// A committed group offset must survive the restart: the successor
	// sees only records produced after the commit, never a replay.
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "events", Value: []byte(`{"n":2}`)}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	second, err := NewConsumer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer second.Close()

	replayed := pollAtLeast(t, second, 1, 30*time.Second)
	assert.Len(t, replayed, 1)
	assert.Equal(t, int64(2), replayed[0].Offset)
	assert.Equal(t, []byte(`{"n":2}`), replayed[0].Value)
}
