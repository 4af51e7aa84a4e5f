package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PostHog/posthog-sub003/internal/bus"
	"github.com/PostHog/posthog-sub003/internal/domain"
)

// Config configures the batch consumer
type Config struct {
	// MaxParallelism bounds how many messages of one batch are dispatched
	// concurrently
	MaxParallelism int

	// MaxPollRecords bounds one poll from the bus
	MaxPollRecords int

	// CommitInterval and CommitCountTrigger drive opportunistic commits:
	// whichever fires first
	CommitInterval     time.Duration
	CommitCountTrigger int
}

// BatchConsumer pulls message batches from the bus, fans work out with
// bounded concurrency, and commits offsets only after every side effect for
// the batch is settled.
type BatchConsumer struct {
	bus        bus.Consumer
	decoder    *Decoder
	resolver   IdentityResolver
	executor   Executor
	configs    ConfigSource
	watermarks WatermarkStore
	cfg        Config
	log        *zap.Logger

	uncommitted int
	lastCommit  time.Time
}

// NewBatchConsumer creates a batch consumer over the given collaborators
func NewBatchConsumer(busConsumer bus.Consumer, resolver IdentityResolver, executor Executor, configs ConfigSource, watermarks WatermarkStore, cfg Config, log *zap.Logger) *BatchConsumer {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 10
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}
	if cfg.CommitCountTrigger <= 0 {
		cfg.CommitCountTrigger = 500
	}
	return &BatchConsumer{
		bus:        busConsumer,
		decoder:    NewDecoder(),
		resolver:   resolver,
		executor:   executor,
		configs:    configs,
		watermarks: watermarks,
		cfg:        cfg,
		log:        log,
		lastCommit: time.Now(),
	}
}

// Start runs the pull loop until ctx is cancelled. Any returned error is
// fatal: offsets for the failed batch are not committed and the process is
// expected to exit so the group's rebalance machinery takes over.
func (c *BatchConsumer) Start(ctx context.Context) error {
	c.log.Info("Batch consumer starting",
		zap.Int("max_parallelism", c.cfg.MaxParallelism))

	for {
		if ctx.Err() != nil {
			c.log.Info("Batch consumer shutting down")
			return nil
		}

		// Cooperative backpressure: stop pulling while the executor's
		// work queue is over capacity. Work in flight is unaffected.
		if c.executor.Saturated() {
			c.bus.Pause()
		} else {
			c.bus.Resume()
		}

		msgs, err := c.bus.Poll(ctx, c.cfg.MaxPollRecords)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.log.Info("Batch consumer shutting down")
				return nil
			}
			return fmt.Errorf("poll failed: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		for tp, partitionMsgs := range groupByPartition(msgs) {
			if err := c.processPartition(ctx, tp, partitionMsgs); err != nil {
				// Surface and re-throw: the batch's offsets stay
				// uncommitted and will be redelivered.
				c.log.Error("Batch dispatch failed",
					zap.String("topic", tp.Topic),
					zap.Int32("partition", tp.Partition),
					zap.Error(err))
				return err
			}
		}
	}
}

// processPartition dispatches one partition's share of the batch in
// sub-batches sized to the configured parallelism. Offsets advance only past
// fully completed sub-batches, in message order.
func (c *BatchConsumer) processPartition(ctx context.Context, tp bus.TopicPartition, msgs []bus.Message) error {
	for start := 0; start < len(msgs); start += c.cfg.MaxParallelism {
		end := start + c.cfg.MaxParallelism
		if end > len(msgs) {
			end = len(msgs)
		}
		sub := msgs[start:end]

		if !c.bus.Assigned(tp) {
			// No longer the owner: abandon the rest of the batch without
			// committing; the next assignee will get it redelivered.
			c.log.Warn("Partition ownership lost mid-batch, abandoning remainder",
				zap.String("topic", tp.Topic),
				zap.Int32("partition", tp.Partition),
				zap.Int("abandoned", len(msgs)-start))
			return nil
		}

		if err := c.dispatch(ctx, tp, sub); err != nil {
			return err
		}

		c.bus.MarkProcessed(sub...)
		c.uncommitted += len(sub)

		lastOffset := sub[len(sub)-1].Offset
		if err := c.maybeCommit(ctx, tp, lastOffset); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one sub-batch concurrently and waits for every message to
// settle. The first error wins; an error from any message fails the whole
// sub-batch so no offset can be committed past it.
func (c *BatchConsumer) dispatch(ctx context.Context, tp bus.TopicPartition, sub []bus.Message) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, msg := range sub {
		wg.Add(1)
		go func(msg bus.Message) {
			defer wg.Done()
			if err := c.handleMessage(ctx, tp, msg); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()

	return firstErr
}

// handleMessage processes one message end to end: decode, dedupe, identity
// resolution, sandbox execution, watermark update.
func (c *BatchConsumer) handleMessage(ctx context.Context, tp bus.TopicPartition, msg bus.Message) error {
	event, err := c.decoder.Decode(msg)
	if err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			c.log.Warn("Skipping malformed message",
				zap.String("topic", tp.Topic),
				zap.Int32("partition", tp.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		return err
	}

	below, err := c.watermarks.IsBelowWatermark(ctx, tp, event.UUID, event.Offset)
	if err != nil {
		// Cannot know either way without the durable copy; treat the
		// event as new rather than stalling the partition.
		c.log.Warn("Watermark lookup failed, processing as new",
			zap.String("event_uuid", event.UUID),
			zap.Error(err))
	} else if below {
		c.log.Debug("Skipping already-processed event",
			zap.String("event_uuid", event.UUID),
			zap.Int64("offset", event.Offset))
		return nil
	}

	person, err := c.resolver.Resolve(ctx, event)
	if err != nil {
		return fmt.Errorf("identity resolution failed for event %s: %w", event.UUID, err)
	}
	enrich(event, person)

	configs, err := c.configs.ConfigsForTenant(ctx, event.TenantID)
	if err != nil {
		return fmt.Errorf("config lookup failed for tenant %s: %w", event.TenantID, err)
	}
	for _, cfg := range configs {
		// Outcomes are recorded by the executor; a tenant failure or
		// timeout never fails the pipeline.
		c.executor.ProcessEvent(ctx, cfg, event)
	}

	if err := c.watermarks.Add(ctx, tp, event.UUID, event.Offset); err != nil {
		c.log.Warn("Watermark update failed",
			zap.String("event_uuid", event.UUID),
			zap.Error(err))
	}
	return nil
}

// maybeCommit commits marked offsets when the count or time trigger fires.
// After a successful commit the watermark entries below the committed offset
// are pruned.
func (c *BatchConsumer) maybeCommit(ctx context.Context, tp bus.TopicPartition, lastOffset int64) error {
	if c.uncommitted < c.cfg.CommitCountTrigger && time.Since(c.lastCommit) < c.cfg.CommitInterval {
		return nil
	}

	if err := c.bus.CommitMarked(ctx); err != nil {
		return fmt.Errorf("offset commit failed: %w", err)
	}
	c.uncommitted = 0
	c.lastCommit = time.Now()

	if err := c.watermarks.Clear(ctx, tp, lastOffset); err != nil {
		c.log.Warn("Watermark pruning failed", zap.Error(err))
	}
	return nil
}

// enrich attaches the resolved person's state to the event before tenant
// code sees it
func enrich(event *domain.Event, person *domain.Person) {
	if person == nil {
		return
	}
	event.Properties["$person_properties"] = person.Properties
	event.Properties["$is_identified"] = person.IsIdentified
}

func groupByPartition(msgs []bus.Message) map[bus.TopicPartition][]bus.Message {
	grouped := make(map[bus.TopicPartition][]bus.Message)
	for _, msg := range msgs {
		tp := msg.TopicPartition()
		grouped[tp] = append(grouped[tp], msg)
	}
	return grouped
}
