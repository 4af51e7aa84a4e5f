package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// Get reads one value from a plugin configuration's storage namespace
func (s *Store) Get(ctx context.Context, configID, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM plugin_storage WHERE config_id = $1 AND key = $2`,
		configID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin storage: %w", err)
	}
	return value, nil
}

// Set writes one value into a plugin configuration's storage namespace
func (s *Store) Set(ctx context.Context, configID, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_storage (config_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (config_id, key) DO UPDATE SET value = EXCLUDED.value`,
		configID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write plugin storage: %w", err)
	}
	return nil
}

// Delete removes one key from a plugin configuration's storage namespace
func (s *Store) Delete(ctx context.Context, configID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM plugin_storage WHERE config_id = $1 AND key = $2`,
		configID, key)
	if err != nil {
		return fmt.Errorf("failed to delete plugin storage: %w", err)
	}
	return nil
}

// Enqueue persists a scheduled job
func (s *Store) Enqueue(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_jobs (id, tenant_id, config_id, task_name, payload, run_at, status, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.ConfigID, job.TaskName, job.Payload, job.RunAt, domain.JobPending, job.Attempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimDue atomically claims up to limit pending jobs due at or before now.
// SKIP LOCKED keeps concurrent pollers from claiming the same rows.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE plugin_jobs SET status = $1, attempts = attempts + 1, claimed_at = NOW()
		 WHERE id IN (
			SELECT id FROM plugin_jobs
			WHERE status = $2 AND run_at <= $3
			ORDER BY run_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, tenant_id, config_id, task_name, payload, run_at, status, attempts`,
		domain.JobRunning, domain.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.ID, &job.TenantID, &job.ConfigID, &job.TaskName, &job.Payload, &job.RunAt, &job.Status, &job.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// MarkDone finalizes a completed job
func (s *Store) MarkDone(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE plugin_jobs SET status = $2 WHERE id = $1`, jobID, domain.JobDone)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return nil
}

// MarkFailed finalizes a failed job
func (s *Store) MarkFailed(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE plugin_jobs SET status = $2 WHERE id = $1`, jobID, domain.JobFailed)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// RequeueStale returns jobs claimed before the cutoff to the pending state.
// A claim held past the cutoff means the claiming process died before it
// could finalize the job.
func (s *Store) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plugin_jobs SET status = $1, claimed_at = NULL
		 WHERE status = $2 AND claimed_at < $3`,
		domain.JobPending, domain.JobRunning, before)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveConfigs returns every enabled plugin configuration, ordered per
// tenant by the configured execution order
func (s *Store) ActiveConfigs(ctx context.Context) ([]*domain.PluginConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, plugin_name, enabled, ord, config, persist_logs
		 FROM plugin_configs WHERE enabled ORDER BY tenant_id, ord`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.PluginConfig
	for rows.Next() {
		var (
			cfg        domain.PluginConfig
			configJSON []byte
		)
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.PluginName, &cfg.Enabled, &cfg.Order, &configJSON, &cfg.PersistLogs); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}
		if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to decode plugin config values: %w", err)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}
