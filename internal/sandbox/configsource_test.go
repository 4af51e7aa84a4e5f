package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// MockPluginConfigRepository is a mock implementation of
// repository.PluginConfigRepository
type MockPluginConfigRepository struct {
	mock.Mock
}

func (m *MockPluginConfigRepository) ActiveConfigs(ctx context.Context) ([]*domain.PluginConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PluginConfig), args.Error(1)
}

func activeConfigs() []*domain.PluginConfig {
	return []*domain.PluginConfig{
		{ID: "cfg-1", TenantID: "tenant-1", PluginName: "webhook", Enabled: true, Order: 0},
		{ID: "cfg-2", TenantID: "tenant-1", PluginName: "geo-enrich", Enabled: true, Order: 1},
		{ID: "cfg-3", TenantID: "tenant-2", PluginName: "webhook", Enabled: true, Order: 0},
	}
}

func TestConfigSource_LoadsOnceAndServesFromCache(t *testing.T) {
	repo := new(MockPluginConfigRepository)
	repo.On("ActiveConfigs", mock.Anything).Return(activeConfigs(), nil).Once()

	source := NewConfigSource(repo, zap.NewNop())

	configs, err := source.ConfigsForTenant(context.Background(), "tenant-1")
	assert.NoError(t, err)
	assert.Len(t, configs, 2)

	configs, err = source.ConfigsForTenant(context.Background(), "tenant-2")
	assert.NoError(t, err)
	assert.Len(t, configs, 1)

	cfg, err := source.ConfigByID(context.Background(), "cfg-2")
	assert.NoError(t, err)
	assert.Equal(t, "geo-enrich", cfg.PluginName)

	repo.AssertExpectations(t)
}

func TestConfigSource_UnknownTenantAndConfig(t *testing.T) {
	repo := new(MockPluginConfigRepository)
	repo.On("ActiveConfigs", mock.Anything).Return(activeConfigs(), nil)

	source := NewConfigSource(repo, zap.NewNop())

	configs, err := source.ConfigsForTenant(context.Background(), "tenant-9")
	assert.NoError(t, err)
	assert.Empty(t, configs)

	cfg, err := source.ConfigByID(context.Background(), "cfg-9")
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestConfigSource_InvalidateForcesReload(t *testing.T) {
	repo := new(MockPluginConfigRepository)
	repo.On("ActiveConfigs", mock.Anything).Return(activeConfigs(), nil).Once()
	repo.On("ActiveConfigs", mock.Anything).Return([]*domain.PluginConfig{
		{ID: "cfg-1", TenantID: "tenant-1", PluginName: "webhook", Enabled: true},
	}, nil).Once()

	source := NewConfigSource(repo, zap.NewNop())

	configs, _ := source.ConfigsForTenant(context.Background(), "tenant-1")
	assert.Len(t, configs, 2)

	source.Invalidate()

	configs, _ = source.ConfigsForTenant(context.Background(), "tenant-1")
	assert.Len(t, configs, 1)
	repo.AssertExpectations(t)
}

func TestConfigSource_LoadFailureIsNotCached(t *testing.T) {
	repo := new(MockPluginConfigRepository)
	repo.On("ActiveConfigs", mock.Anything).Return(nil, errors.New("database unavailable")).Once()
	repo.On("ActiveConfigs", mock.Anything).Return(activeConfigs(), nil).Once()

	source := NewConfigSource(repo, zap.NewNop())

	_, err := source.ConfigsForTenant(context.Background(), "tenant-1")
	assert.Error(t, err)

	configs, err := source.ConfigsForTenant(context.Background(), "tenant-1")
	assert.NoError(t, err)
	assert.Len(t, configs, 2)
	repo.AssertExpectations(t)
}

func TestInvocationLogger_PersistsOnlyWhenEnabled(t *testing.T) {
	sink := &recordingSink{}

	persisting := NewInvocationLogger(&domain.PluginConfig{
		ID: "cfg-1", TenantID: "tenant-1", PersistLogs: true,
	}, "inv-1", sink, zap.NewNop())
	persisting.Info("exported", 10, "events")
	persisting.Error("retrying")

	quiet := NewInvocationLogger(&domain.PluginConfig{
		ID: "cfg-2", TenantID: "tenant-1", PersistLogs: false,
	}, "inv-2", sink, zap.NewNop())
	quiet.Info("nobody keeps this")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.logs, 2)
	assert.Equal(t, "exported 10 events", sink.logs[0].Message)
	assert.Equal(t, "info", sink.logs[0].Level)
	assert.Equal(t, "inv-1", sink.logs[0].InvocationID)
	assert.Equal(t, "error", sink.logs[1].Level)
}
