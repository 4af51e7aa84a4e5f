package sandbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// ConfigSource is the cached, read-only view of active tenant plugin
// configurations. A configuration change arrives as an invalidation signal;
// the next lookup reloads from the repository.
type ConfigSource struct {
	repo repository.PluginConfigRepository
	log  *zap.Logger

	mu       sync.Mutex
	loaded   bool
	byTenant map[string][]*domain.PluginConfig
	byID     map[string]*domain.PluginConfig
}

// NewConfigSource creates a config source over the given repository
func NewConfigSource(repo repository.PluginConfigRepository, log *zap.Logger) *ConfigSource {
	return &ConfigSource{repo: repo, log: log}
}

func (s *ConfigSource) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	configs, err := s.repo.ActiveConfigs(ctx)
	if err != nil {
		return err
	}

	byTenant := make(map[string][]*domain.PluginConfig)
	byID := make(map[string]*domain.PluginConfig)
	for _, cfg := range configs {
		byTenant[cfg.TenantID] = append(byTenant[cfg.TenantID], cfg)
		byID[cfg.ID] = cfg
	}
	s.byTenant = byTenant
	s.byID = byID
	s.loaded = true

	s.log.Info("Plugin configs loaded", zap.Int("count", len(configs)))
	return nil
}

// ConfigsForTenant returns the tenant's enabled configurations in execution
// order
func (s *ConfigSource) ConfigsForTenant(ctx context.Context, tenantID string) ([]*domain.PluginConfig, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTenant[tenantID], nil
}

// ConfigByID returns one configuration, or nil if it is not active
func (s *ConfigSource) ConfigByID(ctx context.Context, configID string) (*domain.PluginConfig, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[configID], nil
}

// Invalidate drops the cache; the next lookup reloads
func (s *ConfigSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.log.Info("Plugin config cache invalidated")
}
