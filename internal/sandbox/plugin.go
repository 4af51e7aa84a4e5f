package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

// Meta is the per-configuration state handed to every plugin function:
// the activating config, the injected capabilities, and a bag the plugin
// itself can populate in Setup and read in later invocations.
type Meta struct {
	Config *domain.PluginConfig
	Caps   *Capabilities
	Global map[string]interface{}
}

// TaskFunc is one named scheduled-task handler
type TaskFunc func(ctx context.Context, meta *Meta, payload []byte) error

// Plugin is the capability set a tenant transformation exposes to the host.
// Any function may be nil; absence is not an error. When only one of
// ProcessEvent/ProcessEventBatch is provided, the other is synthesized.
type Plugin struct {
	Setup             func(ctx context.Context, meta *Meta) error
	ProcessEvent      func(ctx context.Context, meta *Meta, event *domain.Event) error
	ProcessEventBatch func(ctx context.Context, meta *Meta, events []*domain.Event) error
	Teardown          func(ctx context.Context, meta *Meta) error
	Tasks             map[string]TaskFunc
}

// processOne returns a single-event process function, synthesizing it from
// the batch variant when that is all the plugin provided. Nil when the
// plugin processes no events at all.
func (p *Plugin) processOne() func(ctx context.Context, meta *Meta, event *domain.Event) error {
	if p.ProcessEvent != nil {
		return p.ProcessEvent
	}
	if p.ProcessEventBatch != nil {
		return func(ctx context.Context, meta *Meta, event *domain.Event) error {
			return p.ProcessEventBatch(ctx, meta, []*domain.Event{event})
		}
	}
	return nil
}

// processMany returns a batch process function, synthesizing it by looping
// the single-event variant when that is all the plugin provided.
func (p *Plugin) processMany() func(ctx context.Context, meta *Meta, events []*domain.Event) error {
	if p.ProcessEventBatch != nil {
		return p.ProcessEventBatch
	}
	if p.ProcessEvent != nil {
		return func(ctx context.Context, meta *Meta, events []*domain.Event) error {
			for _, event := range events {
				if err := p.ProcessEvent(ctx, meta, event); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

// Registry maps plugin names to their implementations. Populated explicitly
// at startup, never synthesized lazily.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Register adds a named plugin. Registering a duplicate name is a
// programming error and panics at startup.
func (r *Registry) Register(name string, plugin *Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		panic(fmt.Sprintf("plugin %q registered twice", name))
	}
	r.plugins[name] = plugin
}

// Get looks up a plugin by name
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}
