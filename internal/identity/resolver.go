package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/domain"
	"github.com/PostHog/posthog-sub003/internal/repository"
)

// Resolver maps a decoded event's subject to a canonical Person, applying
// identify/alias semantics and merging Person records when two distinct ids
// are asserted to be the same subject.
//
// Concurrent resolvers are expected to race on distinct-id ownership. A
// duplicate-key conflict means someone else finished the work first, so the
// whole decision is re-resolved once instead of failing.
type Resolver struct {
	persons repository.PersonRepository
	log     *zap.Logger
}

// NewResolver creates a new identity resolver
func NewResolver(persons repository.PersonRepository, log *zap.Logger) *Resolver {
	return &Resolver{persons: persons, log: log}
}

// Resolve ensures a Person exists for the event's distinct id and applies any
// identify/alias semantics. Returns the resolved, up-to-date Person.
func (r *Resolver) Resolve(ctx context.Context, event *domain.Event) (*domain.Person, error) {
	if link := event.Link(); link != nil {
		person, err := r.resolveLink(ctx, event, link)
		if errors.Is(err, repository.ErrDistinctIDTaken) {
			// Lost the race: re-resolve once to confirm the end state.
			r.log.Debug("Distinct id conflict during link, re-resolving",
				zap.String("previous_id", link.PreviousID),
				zap.String("current_id", link.CurrentID))
			return r.resolveLink(ctx, event, link)
		}
		return person, err
	}
	return r.resolveOrdinary(ctx, event)
}

func (r *Resolver) resolveLink(ctx context.Context, event *domain.Event, link *domain.IdentityLink) (*domain.Person, error) {
	prev, err := r.lookup(ctx, event.TenantID, link.PreviousID)
	if err != nil {
		return nil, err
	}
	cur, err := r.lookup(ctx, event.TenantID, link.CurrentID)
	if err != nil {
		return nil, err
	}

	switch {
	case prev == nil && cur == nil:
		props := initialProperties(event)
		return r.persons.Create(ctx, event.TenantID,
			[]string{link.PreviousID, link.CurrentID}, props, true, event.ReceivedAt)

	case prev != nil && cur == nil:
		if err := r.persons.AddDistinctID(ctx, prev.ID, link.CurrentID); err != nil {
			return nil, err
		}
		prev.DistinctIDs = append(prev.DistinctIDs, link.CurrentID)
		return r.applyEventProperties(ctx, prev, event, true)

	case prev == nil && cur != nil:
		if err := r.persons.AddDistinctID(ctx, cur.ID, link.PreviousID); err != nil {
			return nil, err
		}
		cur.DistinctIDs = append(cur.DistinctIDs, link.PreviousID)
		return r.applyEventProperties(ctx, cur, event, true)

	case prev.ID == cur.ID:
		// Already linked; replaying the alias is a no-op beyond properties.
		return r.applyEventProperties(ctx, cur, event, true)

	default:
		return r.merge(ctx, cur, prev, event)
	}
}

// merge absorbs the source person into the target: distinct ids are unioned,
// target values win property conflicts, source values fill gaps, and the
// merged creation time is the earlier of the two.
func (r *Resolver) merge(ctx context.Context, target, source *domain.Person, event *domain.Event) (*domain.Person, error) {
	merged := make(map[string]interface{}, len(target.Properties)+len(source.Properties))
	for k, v := range source.Properties {
		merged[k] = v
	}
	for k, v := range target.Properties {
		merged[k] = v
	}
	target.Properties = merged
	target.IsIdentified = true
	if source.CreatedAt.Before(target.CreatedAt) {
		target.CreatedAt = source.CreatedAt
	}
	target.DistinctIDs = unionIDs(target.DistinctIDs, source.DistinctIDs)

	// Event-level property updates ride along with the merge write.
	target.ApplySetOnce(event.SetOnce())
	target.ApplySet(event.Set())

	if err := r.persons.Merge(ctx, target, source.ID); err != nil {
		return nil, fmt.Errorf("failed to merge persons %d and %d: %w", target.ID, source.ID, err)
	}

	r.log.Info("Merged persons",
		zap.Int64("target_id", target.ID),
		zap.Int64("source_id", source.ID),
		zap.String("tenant_id", target.TenantID))

	return target, nil
}

func (r *Resolver) resolveOrdinary(ctx context.Context, event *domain.Event) (*domain.Person, error) {
	person, err := r.lookup(ctx, event.TenantID, event.DistinctID)
	if err != nil {
		return nil, err
	}
	if person == nil {
		props := initialProperties(event)
		person, err = r.persons.Create(ctx, event.TenantID,
			[]string{event.DistinctID}, props, false, event.ReceivedAt)
		if errors.Is(err, repository.ErrDistinctIDTaken) {
			// Concurrent creation; the other writer's person is the one.
			person, err = r.lookup(ctx, event.TenantID, event.DistinctID)
			if err != nil {
				return nil, err
			}
			if person == nil {
				return nil, fmt.Errorf("distinct id %q taken but unresolvable", event.DistinctID)
			}
			return r.applyEventProperties(ctx, person, event, person.IsIdentified)
		}
		return person, err
	}
	return r.applyEventProperties(ctx, person, event, person.IsIdentified)
}

// applyEventProperties merges the event's explicit property updates into the
// person. Explicit $set values win over stored values; $set_once values only
// fill gaps. Writes only when something actually changed.
func (r *Resolver) applyEventProperties(ctx context.Context, person *domain.Person, event *domain.Event, identified bool) (*domain.Person, error) {
	changed := person.ApplySetOnce(event.SetOnce())
	if person.ApplySet(event.Set()) {
		changed = true
	}
	if identified && !person.IsIdentified {
		person.IsIdentified = true
		changed = true
	}
	if !changed {
		return person, nil
	}
	if err := r.persons.UpdateProperties(ctx, person.ID, person.Properties, person.IsIdentified); err != nil {
		return nil, err
	}
	return person, nil
}

// lookup returns nil (not an error) when no person owns the distinct id
func (r *Resolver) lookup(ctx context.Context, tenantID, distinctID string) (*domain.Person, error) {
	person, err := r.persons.GetByDistinctID(ctx, tenantID, distinctID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up distinct id %q: %w", distinctID, err)
	}
	return person, nil
}

// initialProperties builds the property bag for a brand-new person from the
// event's $set_once and $set maps, explicit values winning.
func initialProperties(event *domain.Event) map[string]interface{} {
	props := make(map[string]interface{})
	for k, v := range event.SetOnce() {
		props[k] = v
	}
	for k, v := range event.Set() {
		props[k] = v
	}
	return props
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
