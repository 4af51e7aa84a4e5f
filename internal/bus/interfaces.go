package bus

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicPartition names one ordered subdivision of a topic
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Message is one raw record pulled from the bus. The payload is opaque at
// this layer; decoding happens in the consumer pipeline.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	// Record is the underlying client record, needed for offset marking.
	// Nil for messages constructed in tests.
	Record *kgo.Record
}

// TopicPartition returns the partition this message belongs to
func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Consumer pulls batches from a subscribed topic under a consumer group.
// Offsets are committed manually: mark processed messages, then commit marked.
type Consumer interface {
	// Poll blocks until records arrive or ctx is done. A returned error is
	// fatal to the consumer group session.
	Poll(ctx context.Context, maxRecords int) ([]Message, error)

	// MarkProcessed marks messages as eligible for the next offset commit
	MarkProcessed(msgs ...Message)

	// CommitMarked durably commits all marked offsets
	CommitMarked(ctx context.Context) error

	// Pause stops fetching new batches; work in flight is unaffected
	Pause()

	// Resume restarts fetching; a no-op when not paused
	Resume()

	// Assigned reports whether this consumer currently owns the partition
	Assigned(tp TopicPartition) bool

	Close()
}

// Producer publishes records to outbound topics
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close()
}
