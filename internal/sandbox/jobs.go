package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// jobScheduler implements the Jobs capability for one plugin configuration.
// Every schedule call persists a job row; the poller feeds due rows back
// through the executor.
type jobScheduler struct {
	repo repository.JobRepository
	cfg  *domain.PluginConfig
}

// NewJobScheduler creates the jobs capability for one configuration
func NewJobScheduler(repo repository.JobRepository, cfg *domain.PluginConfig) Jobs {
	return &jobScheduler{repo: repo, cfg: cfg}
}

// Schedule starts building a follow-up invocation of the named task
func (s *jobScheduler) Schedule(name string, payload []byte) *JobHandle {
	return &JobHandle{
		repo: s.repo,
		job: &domain.Job{
			ID:       uuid.NewString(),
			TenantID: s.cfg.TenantID,
			ConfigID: s.cfg.ID,
			TaskName: name,
			Payload:  payload,
			Status:   domain.JobPending,
		},
	}
}

// JobHandle finalizes a scheduled job with its run time
type JobHandle struct {
	repo repository.JobRepository
	job  *domain.Job
}

// RunAt schedules the job for an absolute time
func (h *JobHandle) RunAt(ctx context.Context, at time.Time) error {
	h.job.RunAt = at
	if err := h.repo.Enqueue(ctx, h.job); err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", h.job.TaskName, err)
	}
	return nil
}

// RunIn schedules the job after a delay
func (h *JobHandle) RunIn(ctx context.Context, d time.Duration) error {
	return h.RunAt(ctx, time.Now().Add(d))
}

// RunNow schedules the job for immediate pickup. Still durable: the job
// survives a crash between scheduling and execution.
func (h *JobHandle) RunNow(ctx context.Context) error {
	return h.RunAt(ctx, time.Now())
}

// metricEmitter forwards tenant metric deltas to the recorder
type metricEmitter struct {
	tenantID string
	configID string
	recorder Recorder
}

func (m *metricEmitter) Emit(name string, value float64) {
	m.recorder.RecordMetric(m.tenantID, m.configID, name, value)
}
