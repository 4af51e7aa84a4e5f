package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/config"
	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

const uniqueViolation = "23505"

// Store implements the Postgres-backed repositories: persons, plugin
// storage, scheduled jobs, and plugin configurations.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewStore connects a pgx pool using the given configuration
func NewStore(ctx context.Context, cfg config.Postgres, log *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("Postgres connection established")
	return &Store{pool: pool, log: log}, nil
}

// InitSchema creates tables if they do not exist
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS persons (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			is_identified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS person_distinct_ids (
			tenant_id TEXT NOT NULL,
			distinct_id TEXT NOT NULL,
			person_id BIGINT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			UNIQUE (tenant_id, distinct_id)
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_storage (
			config_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (config_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			config_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			payload BYTEA,
			run_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			claimed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_configs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			ord INT NOT NULL DEFAULT 0,
			config JSONB NOT NULL DEFAULT '{}',
			persist_logs BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// GetByDistinctID resolves a distinct id to its owning person
func (s *Store) GetByDistinctID(ctx context.Context, tenantID, distinctID string) (*domain.Person, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT p.id, p.tenant_id, p.properties, p.is_identified, p.created_at
		 FROM persons p
		 JOIN person_distinct_ids d ON d.person_id = p.id
		 WHERE d.tenant_id = $1 AND d.distinct_id = $2`,
		tenantID, distinctID)

	var (
		person    domain.Person
		propsJSON []byte
	)
	err := row.Scan(&person.ID, &person.TenantID, &propsJSON, &person.IsIdentified, &person.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query person by distinct id: %w", err)
	}

	if err := json.Unmarshal(propsJSON, &person.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode person properties: %w", err)
	}
	if person.Properties == nil {
		person.Properties = make(map[string]interface{})
	}

	person.DistinctIDs, err = s.distinctIDs(ctx, person.ID)
	if err != nil {
		return nil, err
	}
	return &person, nil
}

func (s *Store) distinctIDs(ctx context.Context, personID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT distinct_id FROM person_distinct_ids WHERE person_id = $1 ORDER BY distinct_id`,
		personID)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan distinct id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Create inserts a new person owning the given distinct ids
func (s *Store) Create(ctx context.Context, tenantID string, distinctIDs []string, properties map[string]interface{}, isIdentified bool, createdAt time.Time) (*domain.Person, error) {
	if properties == nil {
		properties = make(map[string]interface{})
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode person properties: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var personID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO persons (tenant_id, properties, is_identified, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		tenantID, propsJSON, isIdentified, createdAt).Scan(&personID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert person: %w", err)
	}

	for _, id := range distinctIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO person_distinct_ids (tenant_id, distinct_id, person_id) VALUES ($1, $2, $3)`,
			tenantID, id, personID)
		if isUniqueViolation(err) {
			return nil, repository.ErrDistinctIDTaken
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert distinct id: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDistinctIDTaken
		}
		return nil, fmt.Errorf("failed to commit person insert: %w", err)
	}

	return &domain.Person{
		ID:           personID,
		TenantID:     tenantID,
		DistinctIDs:  append([]string(nil), distinctIDs...),
		Properties:   properties,
		IsIdentified: isIdentified,
		CreatedAt:    createdAt,
	}, nil
}

// AddDistinctID attaches another distinct id to an existing person
func (s *Store) AddDistinctID(ctx context.Context, personID int64, distinctID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO person_distinct_ids (tenant_id, distinct_id, person_id)
		 SELECT tenant_id, $2, id FROM persons WHERE id = $1`,
		personID, distinctID)
	if isUniqueViolation(err) {
		return repository.ErrDistinctIDTaken
	}
	if err != nil {
		return fmt.Errorf("failed to attach distinct id: %w", err)
	}
	return nil
}

// UpdateProperties overwrites a person's property bag and identified flag
func (s *Store) UpdateProperties(ctx context.Context, personID int64, properties map[string]interface{}, isIdentified bool) error {
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode person properties: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE persons SET properties = $2, is_identified = $3 WHERE id = $1`,
		personID, propsJSON, isIdentified)
	if err != nil {
		return fmt.Errorf("failed to update person properties: %w", err)
	}
	return nil
}

// Merge moves the source person's distinct ids onto the target, writes the
// target's merged state, and deletes the source row.
func (s *Store) Merge(ctx context.Context, target *domain.Person, sourceID int64) error {
	propsJSON, err := json.Marshal(target.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode merged properties: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE person_distinct_ids SET person_id = $1 WHERE person_id = $2`,
		target.ID, sourceID); err != nil {
		return fmt.Errorf("failed to move distinct ids: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE persons SET properties = $2, is_identified = $3, created_at = $4 WHERE id = $1`,
		target.ID, propsJSON, target.IsIdentified, target.CreatedAt); err != nil {
		return fmt.Errorf("failed to update merged person: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM persons WHERE id = $1`, sourceID); err != nil {
		return fmt.Errorf("failed to retire merged person: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}
