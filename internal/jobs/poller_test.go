package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// MockJobRepository is a mock implementation of repository.JobRepository
type MockJobRepository struct {
	mock.Mock
}

func (m *MockJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Job), args.Error(1)
}

func (m *MockJobRepository) MarkDone(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockJobRepository) MarkFailed(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockJobRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

type stubConfigs struct {
	byID map[string]*domain.PluginConfig
}

func (s *stubConfigs) ConfigByID(ctx context.Context, configID string) (*domain.PluginConfig, error) {
	return s.byID[configID], nil
}

type stubExecutor struct {
	outcomes map[string]domain.OutcomeKind
	ran      []string
}

func (s *stubExecutor) RunTask(ctx context.Context, cfg *domain.PluginConfig, taskName, jobID string, payload []byte) domain.Outcome {
	s.ran = append(s.ran, jobID)
	kind, ok := s.outcomes[jobID]
	if !ok {
		kind = domain.OutcomeSuccess
	}
	return domain.Outcome{TenantID: cfg.TenantID, ConfigID: cfg.ID, JobID: jobID, Kind: kind}
}

func dueJob(id, configID string) *domain.Job {
	return &domain.Job{
		ID:       id,
		TenantID: "tenant-1",
		ConfigID: configID,
		TaskName: "export",
		Payload:  []byte(`{"cursor":1}`),
		RunAt:    time.Now().Add(-time.Minute),
		Status:   domain.JobPending,
	}
}

func activeConfig(id string) *domain.PluginConfig {
	return &domain.PluginConfig{ID: id, TenantID: "tenant-1", PluginName: "test-plugin", Enabled: true}
}

func TestPoller_RunsDueJobsAndMarksOutcome(t *testing.T) {
	repo := new(MockJobRepository)
	executor := &stubExecutor{outcomes: map[string]domain.OutcomeKind{
		"job-ok":   domain.OutcomeSuccess,
		"job-bad":  domain.OutcomeError,
		"job-slow": domain.OutcomeTimeout,
	}}
	configs := &stubConfigs{byID: map[string]*domain.PluginConfig{"cfg-1": activeConfig("cfg-1")}}

	repo.On("RequeueStale", mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("ClaimDue", mock.Anything, mock.Anything, 100).
		Return([]*domain.Job{dueJob("job-ok", "cfg-1"), dueJob("job-bad", "cfg-1"), dueJob("job-slow", "cfg-1")}, nil)
	repo.On("MarkDone", mock.Anything, "job-ok").Return(nil)
	repo.On("MarkFailed", mock.Anything, "job-bad").Return(nil)
	repo.On("MarkFailed", mock.Anything, "job-slow").Return(nil)

	poller := NewPoller(repo, configs, executor, time.Second, 0, zap.NewNop())
	poller.runDue(context.Background())

	assert.Equal(t, []string{"job-ok", "job-bad", "job-slow"}, executor.ran)
	repo.AssertExpectations(t)
}

func TestPoller_DropsJobForInactiveConfig(t *testing.T) {
	repo := new(MockJobRepository)
	executor := &stubExecutor{}
	configs := &stubConfigs{byID: map[string]*domain.PluginConfig{}}

	repo.On("RequeueStale", mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("ClaimDue", mock.Anything, mock.Anything, 100).
		Return([]*domain.Job{dueJob("job-1", "gone-cfg")}, nil)
	repo.On("MarkFailed", mock.Anything, "job-1").Return(nil)

	poller := NewPoller(repo, configs, executor, time.Second, 0, zap.NewNop())
	poller.runDue(context.Background())

	assert.Empty(t, executor.ran)
	repo.AssertExpectations(t)
}

func TestPoller_ClaimFailureSkipsCycle(t *testing.T) {
	repo := new(MockJobRepository)
	executor := &stubExecutor{}
	configs := &stubConfigs{}

	repo.On("RequeueStale", mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("ClaimDue", mock.Anything, mock.Anything, 100).
		Return(nil, errors.New("database unavailable"))

	poller := NewPoller(repo, configs, executor, time.Second, 0, zap.NewNop())
	poller.runDue(context.Background())

	assert.Empty(t, executor.ran)
	repo.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything)
}

func TestPoller_RequeuesStaleClaimsBeforePolling(t *testing.T) {
	repo := new(MockJobRepository)
	executor := &stubExecutor{}
	configs := &stubConfigs{}

	var cutoff time.Time
	repo.On("RequeueStale", mock.Anything, mock.MatchedBy(func(before time.Time) bool {
		cutoff = before
		return true
	})).Return(int64(2), nil)
	repo.On("ClaimDue", mock.Anything, mock.Anything, 100).Return(nil, nil)

	staleAfter := 10 * time.Minute
	poller := NewPoller(repo, configs, executor, time.Second, staleAfter, zap.NewNop())
	poller.runDue(context.Background())

	// Jobs claimed before now-staleAfter are considered orphaned.
	assert.WithinDuration(t, time.Now().Add(-staleAfter), cutoff, time.Second)
	repo.AssertExpectations(t)
}

func TestPoller_RequeueFailureStillClaims(t *testing.T) {
	repo := new(MockJobRepository)
	executor := &stubExecutor{}
	configs := &stubConfigs{byID: map[string]*domain.PluginConfig{"cfg-1": activeConfig("cfg-1")}}

	repo.On("RequeueStale", mock.Anything, mock.Anything).
		Return(int64(0), errors.New("database unavailable"))
	repo.On("ClaimDue", mock.Anything, mock.Anything, 100).
		Return([]*domain.Job{dueJob("job-1", "cfg-1")}, nil)
	repo.On("MarkDone", mock.Anything, "job-1").Return(nil)

	poller := NewPoller(repo, configs, executor, time.Second, 0, zap.NewNop())
	poller.runDue(context.Background())

	assert.Equal(t, []string{"job-1"}, executor.ran)
	repo.AssertExpectations(t)
}
