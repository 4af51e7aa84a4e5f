package sandbox

import (
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// Builder assembles the default capability surface from the process's shared
// infrastructure handles: Redis for the cache, Postgres for durable storage
// and scheduled jobs, an MMDB reader for geolocation.
type Builder struct {
	redisClient redis.UniversalClient
	cachePrefix string
	storage     repository.PluginStorageRepository
	jobs        repository.JobRepository
	geo         Geo
	fetcher     Fetcher
	recorder    Recorder
	log         *zap.Logger
}

// BuilderDeps are the infra handles behind the capability surface
type BuilderDeps struct {
	RedisClient redis.UniversalClient
	CachePrefix string
	Storage     repository.PluginStorageRepository
	Jobs        repository.JobRepository
	Geo         Geo
	HTTPClient  *http.Client
}

// NewBuilder creates the default capability builder
func NewBuilder(deps BuilderDeps, recorder Recorder, log *zap.Logger) *Builder {
	return &Builder{
		redisClient: deps.RedisClient,
		cachePrefix: deps.CachePrefix,
		storage:     deps.Storage,
		jobs:        deps.Jobs,
		geo:         deps.Geo,
		fetcher:     NewHTTPFetcher(deps.HTTPClient),
		recorder:    recorder,
		log:         log,
	}
}

// Build assembles the capabilities for one invocation
func (b *Builder) Build(cfg *domain.PluginConfig, invocationID string) *Capabilities {
	return &Capabilities{
		Log:     NewInvocationLogger(cfg, invocationID, b.recorder, b.log),
		Fetch:   b.fetcher,
		Cache:   NewRedisCache(b.redisClient, b.cachePrefix, cfg.ID),
		Storage: NewStorage(b.storage, cfg.ID),
		Geo:     b.geo,
		Jobs:    NewJobScheduler(b.jobs, cfg),
		Metrics: &metricEmitter{tenantID: cfg.TenantID, configID: cfg.ID, recorder: b.recorder},
		Go:      b.detached(cfg, invocationID),
	}
}

// detached wraps tenant-spawned background work so an uncaught panic is
// attributed to the owning configuration instead of crashing the process.
func (b *Builder) detached(cfg *domain.PluginConfig, invocationID string) func(fn func()) {
	return func(fn func()) {
		go func() {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				b.log.Error("Panic in detached plugin work",
					zap.String("config_id", cfg.ID),
					zap.String("tenant_id", cfg.TenantID),
					zap.String("invocation_id", invocationID),
					zap.Any("panic", rec))
				b.recorder.Record(domain.Outcome{
					TenantID:     cfg.TenantID,
					ConfigID:     cfg.ID,
					Kind:         domain.OutcomeError,
					Error:        "panic in detached work",
					InvocationID: invocationID,
				})
			}()
			fn()
		}()
	}
}
