package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// AggregatorConfig configures batching and flushing
type AggregatorConfig struct {
	FlushInterval   time.Duration
	MaxBatchSize    int
	MaxErrorLength  int
	AppMetricsTopic string
	PluginLogTopic  string
}

// Aggregator batches per-invocation outcome counters and plugin log lines in
// memory, decoupled from the hot path, and flushes them on a time or size
// trigger. The whole batch is swapped out atomically on flush so recording
// never waits on emission.
type Aggregator struct {
	cfg      AggregatorConfig
	producer bus.Producer
	repo     repository.AppMetricRepository
	log      *zap.Logger

	mu       sync.Mutex
	counters map[domain.MetricKey]*domain.AppMetric
	logLines []domain.PluginLogLine
	pending  int
}

// NewAggregator creates a metrics aggregator. The repository may be nil, in
// which case snapshots go to the bus only.
func NewAggregator(cfg AggregatorConfig, producer bus.Producer, repo repository.AppMetricRepository, log *zap.Logger) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = 300
	}
	return &Aggregator{
		cfg:      cfg,
		producer: producer,
		repo:     repo,
		log:      log,
		counters: make(map[domain.MetricKey]*domain.AppMetric),
	}
}

// Record increments the counter bucket for one invocation outcome
func (a *Aggregator) Record(outcome domain.Outcome) {
	key := domain.MetricKey{
		TenantID: outcome.TenantID,
		ConfigID: outcome.ConfigID,
		JobID:    outcome.JobID,
		Kind:     outcome.Kind,
	}

	a.mu.Lock()
	c := a.counter(key)
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		if outcome.Retried {
			c.SuccessesOnRetry++
		} else {
			c.Successes++
		}
	default:
		c.Failures++
		c.LastError = truncate(outcome.Error, a.cfg.MaxErrorLength)
	}
	a.pending++
	full := a.pending >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		a.flushAsync()
	}
}

// RecordLog buffers one plugin log line
func (a *Aggregator) RecordLog(line domain.PluginLogLine) {
	line.Message = truncate(line.Message, a.cfg.MaxErrorLength)

	a.mu.Lock()
	a.logLines = append(a.logLines, line)
	a.pending++
	full := a.pending >= a.cfg.MaxBatchSize
	a.mu.Unlock()

	if full {
		a.flushAsync()
	}
}

// RecordMetric accumulates a tenant-emitted metric delta
func (a *Aggregator) RecordMetric(tenantID, configID, name string, value float64) {
	key := domain.MetricKey{
		TenantID: tenantID,
		ConfigID: configID,
		JobID:    name,
		Kind:     domain.OutcomeMetric,
	}

	a.mu.Lock()
	a.counter(key).Sum += value
	a.pending++
	a.mu.Unlock()
}

// counter must be called with the lock held
func (a *Aggregator) counter(key domain.MetricKey) *domain.AppMetric {
	c, ok := a.counters[key]
	if !ok {
		c = &domain.AppMetric{}
		a.counters[key] = c
	}
	return c
}

// Flush atomically swaps out the current batch for an empty one and emits the
// aggregated snapshot before returning. Used by the ticker loop and the final
// drain on shutdown.
func (a *Aggregator) Flush(ctx context.Context) {
	counters, logLines := a.swap()
	a.emit(ctx, counters, logLines)
}

// flushAsync swaps the batch out on the caller and hands emission to a
// goroutine. A size-triggered flush holds the recording hot path only for
// the map swap, never for broker or sink I/O.
func (a *Aggregator) flushAsync() {
	counters, logLines := a.swap()
	if len(counters) == 0 && len(logLines) == 0 {
		return
	}
	go a.emit(context.Background(), counters, logLines)
}

func (a *Aggregator) swap() (map[domain.MetricKey]*domain.AppMetric, []domain.PluginLogLine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counters := a.counters
	logLines := a.logLines
	a.counters = make(map[domain.MetricKey]*domain.AppMetric)
	a.logLines = nil
	a.pending = 0
	return counters, logLines
}

func (a *Aggregator) emit(ctx context.Context, counters map[domain.MetricKey]*domain.AppMetric, logLines []domain.PluginLogLine) {
	if len(counters) == 0 && len(logLines) == 0 {
		return
	}

	now := time.Now()
	rows := make([]*domain.AppMetricRow, 0, len(counters))
	for key, c := range counters {
		rows = append(rows, &domain.AppMetricRow{
			TenantID:         key.TenantID,
			ConfigID:         key.ConfigID,
			JobID:            key.JobID,
			Kind:             string(key.Kind),
			Successes:        c.Successes,
			SuccessesOnRetry: c.SuccessesOnRetry,
			Failures:         c.Failures,
			Sum:              c.Sum,
			LastError:        c.LastError,
			FlushedAt:        now,
		})
	}

	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			a.log.Error("Failed to encode app metric", zap.Error(err))
			continue
		}
		if err := a.producer.Produce(ctx, a.cfg.AppMetricsTopic, []byte(row.TenantID), payload); err != nil {
			a.log.Warn("Failed to publish app metric", zap.Error(err))
		}
	}

	for _, line := range logLines {
		payload, err := json.Marshal(line)
		if err != nil {
			a.log.Error("Failed to encode plugin log line", zap.Error(err))
			continue
		}
		if err := a.producer.Produce(ctx, a.cfg.PluginLogTopic, []byte(line.TenantID), payload); err != nil {
			a.log.Warn("Failed to publish plugin log line", zap.Error(err))
		}
	}

	if a.repo != nil && len(rows) > 0 {
		if _, err := a.repo.InsertBatch(ctx, rows); err != nil {
			a.log.Warn("Failed to store app metrics", zap.Error(err))
		}
	}

	a.log.Debug("Metrics flushed",
		zap.Int("counter_count", len(rows)),
		zap.Int("log_line_count", len(logLines)))
}

// Start flushes on the configured interval until ctx is cancelled, then
// performs a final flush.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Flush(context.Background())
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// truncate bounds a string, keeping the head: values over the limit are
// truncated, not dropped. The cut backs up to a rune boundary so the result
// stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
