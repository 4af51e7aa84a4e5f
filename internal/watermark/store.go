package watermark

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
)

// DurableStore is the persistence backend for watermark entries. It only
// protects against restarts; the in-memory view is authoritative for the
// lifetime of one consumer instance.
type DurableStore interface {
	// Load reads the full watermark map for a partition key
	Load(ctx context.Context, key string) (map[string]int64, error)

	// Upsert records id→offset, keeping the greater of stored and given
	Upsert(ctx context.Context, key, id string, offset int64) error

	// RemoveBelow deletes entries with offsets ≤ bound
	RemoveBelow(ctx context.Context, key string, bound int64) error
}

type partitionState struct {
	mu      sync.Mutex
	loaded  bool
	loading chan struct{}
	loadErr error
	entries map[string]int64
}

// Store tracks, per partition and idempotency id, the highest offset already
// fully processed. Reads see a whole map snapshot: writers replace the map
// reference instead of mutating it in place.
type Store struct {
	prefix  string
	durable DurableStore
	log     *zap.Logger

	mu         sync.Mutex
	partitions map[bus.TopicPartition]*partitionState
}

// NewStore creates a watermark store persisting under the given key prefix
func NewStore(prefix string, durable DurableStore, log *zap.Logger) *Store {
	return &Store{
		prefix:     prefix,
		durable:    durable,
		log:        log,
		partitions: make(map[bus.TopicPartition]*partitionState),
	}
}

// Key returns the durable-store key for a partition
func (s *Store) Key(tp bus.TopicPartition) string {
	return fmt.Sprintf("%s/%s/%d", s.prefix, tp.Topic, tp.Partition)
}

// ensure returns the loaded partition state, loading it from the durable
// store exactly once. Concurrent callers share the same in-flight load. A
// failed load is forgotten so the next caller retries.
func (s *Store) ensure(ctx context.Context, tp bus.TopicPartition) (*partitionState, error) {
	s.mu.Lock()
	p, ok := s.partitions[tp]
	if !ok {
		p = &partitionState{loading: make(chan struct{})}
		s.partitions[tp] = p
		s.mu.Unlock()

		entries, err := s.durable.Load(ctx, s.Key(tp))
		p.mu.Lock()
		if err != nil {
			p.loadErr = err
		} else {
			if entries == nil {
				entries = make(map[string]int64)
			}
			p.entries = entries
			p.loaded = true
		}
		p.mu.Unlock()
		close(p.loading)

		if err != nil {
			s.mu.Lock()
			if s.partitions[tp] == p {
				delete(s.partitions, tp)
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to load watermarks for %s: %w", s.Key(tp), err)
		}
		return p, nil
	}
	s.mu.Unlock()

	select {
	case <-p.loading:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	err := p.loadErr
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load watermarks for %s: %w", s.Key(tp), err)
	}
	return p, nil
}

// Get returns the current watermark map for a partition. The returned map is
// a shared snapshot and must not be mutated by the caller.
func (s *Store) Get(ctx context.Context, tp bus.TopicPartition) (map[string]int64, error) {
	p, err := s.ensure(ctx, tp)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries, nil
}

// Add records that id has been processed through offset. A no-op if the
// stored value is already ≥ offset. The in-memory view is updated first; the
// durable write is best-effort and its failure never blocks the pipeline.
func (s *Store) Add(ctx context.Context, tp bus.TopicPartition, id string, offset int64) error {
	p, err := s.ensure(ctx, tp)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if cur, ok := p.entries[id]; ok && cur >= offset {
		p.mu.Unlock()
		return nil
	}
	next := make(map[string]int64, len(p.entries)+1)
	for k, v := range p.entries {
		next[k] = v
	}
	next[id] = offset
	p.entries = next
	p.mu.Unlock()

	if err := s.durable.Upsert(ctx, s.Key(tp), id, offset); err != nil {
		s.log.Warn("Failed to persist watermark",
			zap.String("key", s.Key(tp)),
			zap.String("id", id),
			zap.Int64("offset", offset),
			zap.Error(err))
	}
	return nil
}

// IsBelowWatermark reports whether offset ≤ the stored value for id, meaning
// this unit of work has already been handled.
func (s *Store) IsBelowWatermark(ctx context.Context, tp bus.TopicPartition, id string, offset int64) (bool, error) {
	p, err := s.ensure(ctx, tp)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	cur, ok := p.entries[id]
	p.mu.Unlock()
	return ok && offset <= cur, nil
}

// Clear prunes entries whose recorded offset is ≤ upToOffset, bounding growth
// once the committed offset has safely passed them.
func (s *Store) Clear(ctx context.Context, tp bus.TopicPartition, upToOffset int64) error {
	p, err := s.ensure(ctx, tp)
	if err != nil {
		return err
	}

	p.mu.Lock()
	next := make(map[string]int64, len(p.entries))
	for k, v := range p.entries {
		if v > upToOffset {
			next[k] = v
		}
	}
	p.entries = next
	p.mu.Unlock()

	if err := s.durable.RemoveBelow(ctx, s.Key(tp), upToOffset); err != nil {
		s.log.Warn("Failed to prune durable watermarks",
			zap.String("key", s.Key(tp)),
			zap.Int64("up_to_offset", upToOffset),
			zap.Error(err))
	}
	return nil
}

// Revoke drops the in-memory cache for a partition whose ownership was lost.
// A fresh load happens if the partition is reacquired.
func (s *Store) Revoke(tp bus.TopicPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions, tp)
	s.log.Info("Watermark cache revoked",
		zap.String("topic", tp.Topic),
		zap.Int32("partition", tp.Partition))
}
