package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PostHog/posthog-sub003/internal/domain"
)

func namedEvent(name string) *domain.Event {
	return &domain.Event{Name: name, TenantID: "tenant-1", DistinctID: "visitor-1"}
}

func TestPlugin_ProcessOneSynthesizedFromBatch(t *testing.T) {
	var batches [][]*domain.Event
	plugin := &Plugin{
		ProcessEventBatch: func(ctx context.Context, meta *Meta, events []*domain.Event) error {
			batches = append(batches, events)
			return nil
		},
	}

	fn := plugin.processOne()
	assert.NotNil(t, fn)
	assert.NoError(t, fn(context.Background(), &Meta{}, namedEvent("pageview")))

	assert.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
	assert.Equal(t, "pageview", batches[0][0].Name)
}

func TestPlugin_ProcessManySynthesizedFromSingle(t *testing.T) {
	var seen []string
	plugin := &Plugin{
		ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.Event) error {
			seen = append(seen, event.Name)
			return nil
		},
	}

	fn := plugin.processMany()
	assert.NotNil(t, fn)
	events := []*domain.Event{namedEvent("a"), namedEvent("b"), namedEvent("c")}
	assert.NoError(t, fn(context.Background(), &Meta{}, events))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestPlugin_ProcessManyStopsAtFirstError(t *testing.T) {
	plugin := &Plugin{
		ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.Event) error {
			if event.Name == "b" {
				return errors.New("boom")
			}
			return nil
		},
	}

	fn := plugin.processMany()
	events := []*domain.Event{namedEvent("a"), namedEvent("b"), namedEvent("c")}
	assert.EqualError(t, fn(context.Background(), &Meta{}, events), "boom")
}

func TestPlugin_NoProcessFunctions(t *testing.T) {
	plugin := &Plugin{}
	assert.Nil(t, plugin.processOne())
	assert.Nil(t, plugin.processMany())
}

func TestPlugin_ExplicitVariantsAreNotSynthesized(t *testing.T) {
	var singles, batches int
	plugin := &Plugin{
		ProcessEvent: func(ctx context.Context, meta *Meta, event *domain.Event) error {
			singles++
			return nil
		},
		ProcessEventBatch: func(ctx context.Context, meta *Meta, events []*domain.Event) error {
			batches++
			return nil
		},
	}

	assert.NoError(t, plugin.processOne()(context.Background(), &Meta{}, namedEvent("a")))
	assert.NoError(t, plugin.processMany()(context.Background(), &Meta{}, []*domain.Event{namedEvent("b")}))
	assert.Equal(t, 1, singles)
	assert.Equal(t, 1, batches)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	registry := NewRegistry()
	registry.Register("webhook", &Plugin{})

	assert.Panics(t, func() {
		registry.Register("webhook", &Plugin{})
	})
}

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry()
	plugin := &Plugin{}
	registry.Register("webhook", plugin)

	got, ok := registry.Get("webhook")
	assert.True(t, ok)
	assert.Same(t, plugin, got)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}
