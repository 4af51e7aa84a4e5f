package domain

import "time"

// OutcomeKind classifies the result of one sandbox invocation
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
	OutcomeTimeout OutcomeKind = "timeout"

	// OutcomeMetric buckets tenant-emitted metric deltas; the metric name
	// rides in the key's JobID slot.
	OutcomeMetric OutcomeKind = "metric"
)

// Outcome is the recorded result of running tenant code against one event
type Outcome struct {
	TenantID     string
	ConfigID     string
	JobID        string
	Kind         OutcomeKind
	Retried      bool
	Error        string
	InvocationID string
}

// MetricKey identifies one aggregated counter bucket
type MetricKey struct {
	TenantID string
	ConfigID string
	JobID    string
	Kind     OutcomeKind
}

// AppMetric is an aggregated counter, mutated in memory between flush cycles
// and emitted as an immutable snapshot.
type AppMetric struct {
	Successes        int64
	SuccessesOnRetry int64
	Failures         int64
	Sum              float64
	LastError        string
}

// AppMetricRow is one flushed metric snapshot bound for durable storage
type AppMetricRow struct {
	TenantID         string    `ch:"tenant_id" json:"tenant_id"`
	ConfigID         string    `ch:"config_id" json:"config_id"`
	JobID            string    `ch:"job_id" json:"job_id"`
	Kind             string    `ch:"kind" json:"kind"`
	Successes        int64     `ch:"successes" json:"successes"`
	SuccessesOnRetry int64     `ch:"successes_on_retry" json:"successes_on_retry"`
	Failures         int64     `ch:"failures" json:"failures"`
	Sum              float64   `ch:"sum" json:"sum"`
	LastError        string    `ch:"last_error" json:"last_error"`
	FlushedAt        time.Time `ch:"flushed_at" json:"flushed_at"`
}

// PluginLogLine is one structured log line emitted by tenant code
type PluginLogLine struct {
	TenantID     string    `json:"tenant_id"`
	ConfigID     string    `json:"config_id"`
	InvocationID string    `json:"invocation_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}
