package repository

import (
	"context"
	"errors"
	"time"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrDistinctIDTaken is returned when a distinct id is already owned by
// another person. Callers treat this as a lost race, not a failure.
var ErrDistinctIDTaken = errors.New("distinct id already owned")

// PersonRepository stores canonical subject identities
type PersonRepository interface {
	// GetByDistinctID resolves a distinct id to its owning person.
	// Returns ErrNotFound when no person owns the id.
	GetByDistinctID(ctx context.Context, tenantID, distinctID string) (*domain.Person, error)

	// Create inserts a new person owning the given distinct ids.
	// Returns ErrDistinctIDTaken if any id is already owned.
	Create(ctx context.Context, tenantID string, distinctIDs []string, properties map[string]interface{}, isIdentified bool, createdAt time.Time) (*domain.Person, error)

	// AddDistinctID attaches another distinct id to an existing person.
	// Returns ErrDistinctIDTaken if the id is already owned.
	AddDistinctID(ctx context.Context, personID int64, distinctID string) error

	// UpdateProperties overwrites a person's property bag and identified flag
	UpdateProperties(ctx context.Context, personID int64, properties map[string]interface{}, isIdentified bool) error

	// Merge moves every distinct id from the source person onto the target,
	// writes the target's merged state, and retires the source record.
	// The target carries the already-merged properties and creation time.
	Merge(ctx context.Context, target *domain.Person, sourceID int64) error

	// Ping checks the backing store connection
	Ping(ctx context.Context) error

	Close()
}

// PluginStorageRepository is the namespaced durable key/value store exposed
// to tenant code through the storage capability
type PluginStorageRepository interface {
	Get(ctx context.Context, configID, key string) ([]byte, error)
	Set(ctx context.Context, configID, key string, value []byte) error
	Delete(ctx context.Context, configID, key string) error
}

// JobRepository persists follow-up invocations scheduled by tenant code
type JobRepository interface {
	Enqueue(ctx context.Context, job *domain.Job) error

	// ClaimDue atomically claims up to limit jobs due at or before now
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	MarkDone(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string) error

	// RequeueStale returns running jobs claimed before the cutoff to
	// pending, so work orphaned by a crashed claimer is retried.
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

// PluginConfigRepository is the read-only source of active tenant
// configurations
type PluginConfigRepository interface {
	ActiveConfigs(ctx context.Context) ([]*domain.PluginConfig, error)
}

// AppMetricRepository durably stores flushed outcome-counter snapshots
type AppMetricRepository interface {
	InsertBatch(ctx context.Context, rows []*domain.AppMetricRow) (int, error)
	InitSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
