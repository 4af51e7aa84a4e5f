package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// capturingProducer records every produced message, optionally failing
type capturingProducer struct {
	mu       sync.Mutex
	messages map[string][][]byte
	err      error
}

func newCapturingProducer() *capturingProducer {
	return &capturingProducer{messages: make(map[string][][]byte)}
}

func (p *capturingProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[topic] = append(p.messages[topic], value)
	return nil
}

func (p *capturingProducer) Close() {}

func (p *capturingProducer) topicCount(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[topic])
}

func (p *capturingProducer) rows(t *testing.T, topic string) []*domain.AppMetricRow {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := make([]*domain.AppMetricRow, 0, len(p.messages[topic]))
	for _, payload := range p.messages[topic] {
		var row domain.AppMetricRow
		assert.NoError(t, json.Unmarshal(payload, &row))
		rows = append(rows, &row)
	}
	return rows
}

func testAggregator(cfg AggregatorConfig) (*Aggregator, *capturingProducer) {
	if cfg.AppMetricsTopic == "" {
		cfg.AppMetricsTopic = "app_metrics"
	}
	if cfg.PluginLogTopic == "" {
		cfg.PluginLogTopic = "plugin_logs"
	}
	producer := newCapturingProducer()
	return NewAggregator(cfg, producer, nil, zap.NewNop()), producer
}

func waitForTopicCount(t *testing.T, producer *capturingProducer, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if producer.topicCount(topic) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s never reached %d messages", topic, want)
}

func successOutcome(retried bool) domain.Outcome {
	return domain.Outcome{
		TenantID: "tenant-1",
		ConfigID: "cfg-1",
		Kind:     domain.OutcomeSuccess,
		Retried:  retried,
	}
}

func TestAggregator_CountersAggregatePerKey(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{})

	agg.Record(successOutcome(false))
	agg.Record(successOutcome(false))
	agg.Record(successOutcome(true))
	agg.Record(domain.Outcome{
		TenantID: "tenant-1",
		ConfigID: "cfg-1",
		Kind:     domain.OutcomeError,
		Error:    "upstream rejected",
	})

	agg.Flush(context.Background())

	rows := producer.rows(t, "app_metrics")
	assert.Len(t, rows, 2)

	byKind := make(map[string]*domain.AppMetricRow)
	for _, row := range rows {
		byKind[row.Kind] = row
	}
	assert.EqualValues(t, 2, byKind["success"].Successes)
	assert.EqualValues(t, 1, byKind["success"].SuccessesOnRetry)
	assert.EqualValues(t, 1, byKind["error"].Failures)
	assert.Equal(t, "upstream rejected", byKind["error"].LastError)
}

func TestAggregator_FlushSwapsBatchAtomically(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{})

	agg.Record(successOutcome(false))
	agg.Flush(context.Background())
	assert.Equal(t, 1, producer.topicCount("app_metrics"))

	// The flushed batch is gone; a second flush with nothing new emits nothing.
	agg.Flush(context.Background())
	assert.Equal(t, 1, producer.topicCount("app_metrics"))

	// Counters recorded after the swap land in the next batch.
	agg.Record(successOutcome(false))
	agg.Flush(context.Background())
	assert.Equal(t, 2, producer.topicCount("app_metrics"))
}

func TestAggregator_SizeTriggerFlushes(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{MaxBatchSize: 3})

	agg.Record(successOutcome(false))
	agg.Record(successOutcome(false))
	assert.Equal(t, 0, producer.topicCount("app_metrics"))

	agg.Record(successOutcome(false))
	waitForTopicCount(t, producer, "app_metrics", 1)

	rows := producer.rows(t, "app_metrics")
	assert.EqualValues(t, 3, rows[0].Successes)
}

// gatedProducer blocks every Produce until released
type gatedProducer struct {
	release  chan struct{}
	mu       sync.Mutex
	produced int
}

func (p *gatedProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced++
	return nil
}

func (p *gatedProducer) Close() {}

func TestAggregator_SizeTriggerDoesNotBlockRecording(t *testing.T) {
	producer := &gatedProducer{release: make(chan struct{})}
	agg := NewAggregator(AggregatorConfig{
		MaxBatchSize:    1,
		AppMetricsTopic: "app_metrics",
		PluginLogTopic:  "plugin_logs",
	}, producer, nil, zap.NewNop())

	// Emission is stuck on the broker; recording must still return.
	done := make(chan struct{})
	go func() {
		agg.Record(successOutcome(false))
		agg.Record(successOutcome(false))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recording blocked on emission")
	}

	close(producer.release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		producer.mu.Lock()
		n := producer.produced
		producer.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("emission never completed after release")
}

func TestAggregator_LongErrorsAreTruncatedNotDropped(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{MaxErrorLength: 20})

	agg.Record(domain.Outcome{
		TenantID: "tenant-1",
		ConfigID: "cfg-1",
		Kind:     domain.OutcomeError,
		Error:    strings.Repeat("x", 500),
	})
	agg.Flush(context.Background())

	rows := producer.rows(t, "app_metrics")
	assert.Len(t, rows, 1)
	assert.Equal(t, strings.Repeat("x", 20)+"...", rows[0].LastError)
}

func TestAggregator_TruncationKeepsValidUTF8(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{MaxErrorLength: 5})

	agg.Record(domain.Outcome{
		TenantID: "tenant-1",
		ConfigID: "cfg-1",
		Kind:     domain.OutcomeError,
		Error:    strings.Repeat("é", 100),
	})
	agg.Flush(context.Background())

	rows := producer.rows(t, "app_metrics")
	assert.Len(t, rows, 1)
	// The byte limit falls inside a rune; the cut backs up to the boundary.
	assert.Equal(t, "éé...", rows[0].LastError)
	assert.True(t, utf8.ValidString(rows[0].LastError))
}

func TestAggregator_TenantMetricsSum(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{})

	agg.RecordMetric("tenant-1", "cfg-1", "events_exported", 3)
	agg.RecordMetric("tenant-1", "cfg-1", "events_exported", 4.5)
	agg.Flush(context.Background())

	rows := producer.rows(t, "app_metrics")
	assert.Len(t, rows, 1)
	assert.Equal(t, "events_exported", rows[0].JobID)
	assert.Equal(t, string(domain.OutcomeMetric), rows[0].Kind)
	assert.Equal(t, 7.5, rows[0].Sum)
}

func TestAggregator_LogLinesGoToLogTopic(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{})

	agg.RecordLog(domain.PluginLogLine{
		TenantID:     "tenant-1",
		ConfigID:     "cfg-1",
		InvocationID: "inv-1",
		Level:        "info",
		Message:      "exported 10 events",
		Timestamp:    time.Now(),
	})
	agg.Flush(context.Background())

	assert.Equal(t, 1, producer.topicCount("plugin_logs"))
	assert.Equal(t, 0, producer.topicCount("app_metrics"))

	var line domain.PluginLogLine
	producer.mu.Lock()
	payload := producer.messages["plugin_logs"][0]
	producer.mu.Unlock()
	assert.NoError(t, json.Unmarshal(payload, &line))
	assert.Equal(t, "exported 10 events", line.Message)
	assert.Equal(t, "inv-1", line.InvocationID)
}

func TestAggregator_ProducerFailureDoesNotLoseProcess(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{})
	producer.err = errors.New("broker unavailable")

	agg.Record(successOutcome(false))

	// Emission failure is logged and dropped; recording keeps working.
	agg.Flush(context.Background())
	agg.Record(successOutcome(false))

	producer.mu.Lock()
	producer.err = nil
	producer.mu.Unlock()

	agg.Flush(context.Background())
	assert.Equal(t, 1, producer.topicCount("app_metrics"))
}

func TestAggregator_StartFlushesOnCancel(t *testing.T) {
	agg, producer := testAggregator(AggregatorConfig{FlushInterval: time.Hour})
	agg.Record(successOutcome(false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
	assert.Equal(t, 1, producer.topicCount("app_metrics"))
}
