package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// ExecutorConfig configures the sandbox executor
type ExecutorConfig struct {
	// Timeout is the wall-clock budget for one invocation of tenant code
	Timeout time.Duration

	// KillSwitchThreshold disables a plugin configuration after this many
	// consecutive timeouts, so one tenant cannot starve the process.
	KillSwitchThreshold int

	// QueueCapacity bounds in-flight invocations; the consumer pauses
	// fetching when the executor is saturated.
	QueueCapacity int
}

// CapabilityBuilder assembles the capability surface for one invocation
type CapabilityBuilder interface {
	Build(cfg *domain.PluginConfig, invocationID string) *Capabilities
}

type configState struct {
	mu        sync.Mutex
	cfg       *domain.PluginConfig
	global    map[string]interface{}
	setupDone bool
}

// Executor runs tenant plugin code against events under injected
// capabilities and a wall-clock timeout. Tenant code reaches nothing on the
// host except through the capability handles.
type Executor struct {
	cfg      ExecutorConfig
	registry *Registry
	caps     CapabilityBuilder
	recorder Recorder
	log      *zap.Logger

	mu       sync.Mutex
	states   map[string]*configState
	timeouts map[string]int
	disabled map[string]bool

	inflight atomic.Int64
}

// NewExecutor creates a sandbox executor
func NewExecutor(cfg ExecutorConfig, registry *Registry, caps CapabilityBuilder, recorder Recorder, log *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KillSwitchThreshold <= 0 {
		cfg.KillSwitchThreshold = 5
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		caps:     caps,
		recorder: recorder,
		log:      log,
		states:   make(map[string]*configState),
		timeouts: make(map[string]int),
		disabled: make(map[string]bool),
	}
}

// Saturated reports whether the executor's work queue has exceeded capacity.
// Abandoned (timed-out) invocations occupy a slot until their goroutine
// actually returns, so runaway tenant work shows up here as backpressure.
func (e *Executor) Saturated() bool {
	return e.inflight.Load() >= int64(e.cfg.QueueCapacity)
}

// Disabled reports whether the kill switch has tripped for a configuration
func (e *Executor) Disabled(configID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled[configID]
}

func (e *Executor) stateFor(cfg *domain.PluginConfig) *configState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[cfg.ID]
	if !ok {
		st = &configState{cfg: cfg, global: make(map[string]interface{})}
		e.states[cfg.ID] = st
	}
	return st
}

// ProcessEvent runs the configuration's process function against one event
// and returns the recorded outcome.
func (e *Executor) ProcessEvent(ctx context.Context, cfg *domain.PluginConfig, event *domain.Event) domain.Outcome {
	plugin, ok := e.registry.Get(cfg.PluginName)
	if !ok {
		return e.recordFailure(cfg, "", fmt.Sprintf("plugin %q is not registered", cfg.PluginName))
	}
	if e.Disabled(cfg.ID) {
		return e.recordFailure(cfg, "", "configuration disabled by kill switch")
	}
	if out, ok := e.ensureSetup(ctx, cfg, plugin); !ok {
		return out
	}

	fn := plugin.processOne()
	if fn == nil {
		// Nothing to run; absence of a process function is not an error.
		out := domain.Outcome{TenantID: cfg.TenantID, ConfigID: cfg.ID, Kind: domain.OutcomeSuccess}
		e.recorder.Record(out)
		return out
	}

	return e.invoke(ctx, cfg, "processEvent", "", func(ctx context.Context, meta *Meta) error {
		return fn(ctx, meta, event)
	})
}

// RunTask runs one of the configuration's named scheduled-task handlers
func (e *Executor) RunTask(ctx context.Context, cfg *domain.PluginConfig, taskName, jobID string, payload []byte) domain.Outcome {
	plugin, ok := e.registry.Get(cfg.PluginName)
	if !ok {
		return e.recordFailure(cfg, jobID, fmt.Sprintf("plugin %q is not registered", cfg.PluginName))
	}
	if e.Disabled(cfg.ID) {
		return e.recordFailure(cfg, jobID, "configuration disabled by kill switch")
	}
	task, ok := plugin.Tasks[taskName]
	if !ok {
		return e.recordFailure(cfg, jobID, fmt.Sprintf("task %q is not defined", taskName))
	}
	if out, ok := e.ensureSetup(ctx, cfg, plugin); !ok {
		return out
	}

	return e.invoke(ctx, cfg, "task:"+taskName, jobID, func(ctx context.Context, meta *Meta) error {
		return task(ctx, meta, payload)
	})
}

// ensureSetup runs the plugin's setup function once per configuration before
// the first event. Returns (outcome, false) when setup failed; the failed
// setup is retried on the next invocation.
func (e *Executor) ensureSetup(ctx context.Context, cfg *domain.PluginConfig, plugin *Plugin) (domain.Outcome, bool) {
	st := e.stateFor(cfg)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.setupDone {
		return domain.Outcome{}, true
	}
	if plugin.Setup == nil {
		st.setupDone = true
		return domain.Outcome{}, true
	}

	out := e.invoke(ctx, cfg, "setup", "", plugin.Setup)
	if out.Kind != domain.OutcomeSuccess {
		return out, false
	}
	st.setupDone = true
	return domain.Outcome{}, true
}

// Shutdown runs teardown once for every configuration whose setup has run
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	var loaded []*configState
	for _, st := range e.states {
		if st.setupDone {
			loaded = append(loaded, st)
		}
	}
	e.mu.Unlock()

	for _, st := range loaded {
		plugin, ok := e.registry.Get(st.cfg.PluginName)
		if !ok || plugin.Teardown == nil {
			continue
		}
		out := e.invoke(ctx, st.cfg, "teardown", "", plugin.Teardown)
		if out.Kind != domain.OutcomeSuccess {
			e.log.Warn("Plugin teardown failed",
				zap.String("config_id", st.cfg.ID),
				zap.String("error", out.Error))
		}
	}
}

// invoke hands one function to tenant code under the timeout budget. The
// result channel is buffered so an abandoned invocation can still settle and
// release its slot after the caller has moved on.
func (e *Executor) invoke(ctx context.Context, cfg *domain.PluginConfig, op, jobID string, fn func(ctx context.Context, meta *Meta) error) domain.Outcome {
	invocationID := uuid.NewString()
	caps := e.caps.Build(cfg, invocationID)
	meta := &Meta{Config: cfg, Caps: caps, Global: e.stateFor(cfg).global}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Add(-1)
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic in %s (invocation %s): %v", op, invocationID, rec)
			}
		}()
		done <- fn(tctx, meta)
	}()

	out := domain.Outcome{
		TenantID:     cfg.TenantID,
		ConfigID:     cfg.ID,
		JobID:        jobID,
		InvocationID: invocationID,
	}

	select {
	case err := <-done:
		e.resetTimeouts(cfg.ID)
		if err != nil {
			out.Kind = domain.OutcomeError
			out.Error = err.Error()
		} else {
			out.Kind = domain.OutcomeSuccess
		}
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			out.Kind = domain.OutcomeTimeout
			out.Error = fmt.Sprintf("%s exceeded %s budget", op, e.cfg.Timeout)
			e.noteTimeout(cfg)
		} else {
			out.Kind = domain.OutcomeError
			out.Error = fmt.Sprintf("%s cancelled: %v", op, ctx.Err())
		}
	}

	e.recorder.Record(out)
	return out
}

func (e *Executor) recordFailure(cfg *domain.PluginConfig, jobID, msg string) domain.Outcome {
	out := domain.Outcome{
		TenantID: cfg.TenantID,
		ConfigID: cfg.ID,
		JobID:    jobID,
		Kind:     domain.OutcomeError,
		Error:    msg,
	}
	e.recorder.Record(out)
	return out
}

func (e *Executor) resetTimeouts(configID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts[configID] = 0
}

func (e *Executor) noteTimeout(cfg *domain.PluginConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeouts[cfg.ID]++
	if e.timeouts[cfg.ID] < e.cfg.KillSwitchThreshold || e.disabled[cfg.ID] {
		return
	}
	e.disabled[cfg.ID] = true
	e.log.Error("Kill switch tripped, disabling plugin configuration",
		zap.String("config_id", cfg.ID),
		zap.String("tenant_id", cfg.TenantID),
		zap.String("plugin", cfg.PluginName),
		zap.Int("consecutive_timeouts", e.timeouts[cfg.ID]))
}
