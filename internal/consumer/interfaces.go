package consumer

import (
	"context"

	"github.com/PostHog/posthog-sub003/internal/bus"
	"github.com/PostHog/posthog-sub003/internal/domain"
)

// IdentityResolver resolves an event's subject to a canonical person
type IdentityResolver interface {
	Resolve(ctx context.Context, event *domain.Event) (*domain.Person, error)
}

// Executor runs tenant code against events
type Executor interface {
	ProcessEvent(ctx context.Context, cfg *domain.PluginConfig, event *domain.Event) domain.Outcome
	Saturated() bool
}

// ConfigSource looks up the active plugin configurations for a tenant
type ConfigSource interface {
	ConfigsForTenant(ctx context.Context, tenantID string) ([]*domain.PluginConfig, error)
}

// WatermarkStore skips already-processed work and records completed work
type WatermarkStore interface {
	IsBelowWatermark(ctx context.Context, tp bus.TopicPartition, id string, offset int64) (bool, error)
	Add(ctx context.Context, tp bus.TopicPartition, id string, offset int64) error
	Clear(ctx context.Context, tp bus.TopicPartition, upToOffset int64) error
}
