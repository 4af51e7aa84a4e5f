package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// Executor runs a configuration's named task through the sandbox
type Executor interface {
	RunTask(ctx context.Context, cfg *domain.PluginConfig, taskName, jobID string, payload []byte) domain.Outcome
}

// ConfigSource resolves a configuration id to its active configuration
type ConfigSource interface {
	ConfigByID(ctx context.Context, configID string) (*domain.PluginConfig, error)
}

// Poller claims due scheduled jobs and feeds them back through the sandbox
// executor, recording each job's outcome.
type Poller struct {
	repo       repository.JobRepository
	configs    ConfigSource
	executor   Executor
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	log        *zap.Logger
}

// NewPoller creates a scheduled-job poller. Jobs left in the running state
// longer than staleAfter are returned to pending on the next poll.
func NewPoller(repo repository.JobRepository, configs ConfigSource, executor Executor, interval, staleAfter time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Poller{
		repo:       repo,
		configs:    configs,
		executor:   executor,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  100,
		log:        log,
	}
}

// Start polls for due jobs until ctx is cancelled
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Job poller shutting down")
			return
		case <-ticker.C:
			p.runDue(ctx)
		}
	}
}

func (p *Poller) runDue(ctx context.Context) {
	// A claim orphaned by a crash would otherwise stay running forever.
	requeued, err := p.repo.RequeueStale(ctx, time.Now().Add(-p.staleAfter))
	if err != nil {
		p.log.Error("Failed to requeue stale jobs", zap.Error(err))
	} else if requeued > 0 {
		p.log.Warn("Requeued stale jobs", zap.Int64("count", requeued))
	}

	jobs, err := p.repo.ClaimDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.log.Error("Failed to claim due jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		p.runJob(ctx, job)
	}
}

func (p *Poller) runJob(ctx context.Context, job *domain.Job) {
	cfg, err := p.configs.ConfigByID(ctx, job.ConfigID)
	if err != nil {
		p.log.Error("Failed to resolve job config",
			zap.String("job_id", job.ID),
			zap.Error(err))
		p.finalize(ctx, job.ID, false)
		return
	}
	if cfg == nil {
		// Config was deactivated after the job was scheduled.
		p.log.Warn("Dropping job for inactive config",
			zap.String("job_id", job.ID),
			zap.String("config_id", job.ConfigID))
		p.finalize(ctx, job.ID, false)
		return
	}

	out := p.executor.RunTask(ctx, cfg, job.TaskName, job.ID, job.Payload)
	p.finalize(ctx, job.ID, out.Kind == domain.OutcomeSuccess)
}

func (p *Poller) finalize(ctx context.Context, jobID string, ok bool) {
	var err error
	if ok {
		err = p.repo.MarkDone(ctx, jobID)
	} else {
		err = p.repo.MarkFailed(ctx, jobID)
	}
	if err != nil {
		p.log.Error("Failed to finalize job",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}
