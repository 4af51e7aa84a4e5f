package clickhouse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// Repository stores flushed app-metric snapshots in ClickHouse
type Repository struct {
	client *Client
	log    *zap.Logger
}

// NewRepository creates a new ClickHouse app-metric repository
func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{
		client: client,
		log:    log,
	}
}

// InitSchema creates the app_metrics table if it does not exist
func (r *Repository) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS app_metrics (
		tenant_id String,
		config_id String,
		job_id String,
		kind LowCardinality(String),
		successes Int64,
		successes_on_retry Int64,
		failures Int64,
		sum Float64,
		last_error String,
		flushed_at DateTime64(3) DEFAULT now64(3)
	) ENGINE = MergeTree
	ORDER BY (tenant_id, config_id, kind, flushed_at)
	PARTITION BY toYYYYMM(flushed_at)
	SETTINGS index_granularity = 8192
	`

	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create app_metrics table: %w", err)
	}

	r.log.Info("ClickHouse schema initialized")
	return nil
}

// InsertBatch inserts a batch of flushed metric snapshots
func (r *Repository) InsertBatch(ctx context.Context, rows []*domain.AppMetricRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO app_metrics")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		err := batch.Append(
			row.TenantID,
			row.ConfigID,
			row.JobID,
			row.Kind,
			row.Successes,
			row.SuccessesOnRetry,
			row.Failures,
			row.Sum,
			row.LastError,
			row.FlushedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append metric row to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	return len(rows), nil
}

// Ping checks if the database connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Conn().Ping(ctx)
}

// Close closes the repository
func (r *Repository) Close() error {
	return r.client.Close()
}
