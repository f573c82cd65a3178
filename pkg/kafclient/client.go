package kafclient

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicPartition identifies one log within a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Less orders topic partitions lexicographically by topic, then numerically
// by partition, for stable iteration.
func (tp TopicPartition) Less(other TopicPartition) bool {
	if tp.Topic != other.Topic {
		return tp.Topic < other.Topic
	}
	return tp.Partition < other.Partition
}

// Offset is a position to commit or seek to, with optional metadata persisted
// alongside the offset by the group coordinator.
type Offset struct {
	At          int64
	LeaderEpoch int32
	Metadata    string
}

// Offsets maps partitions to commit/seek targets.
type Offsets map[TopicPartition]Offset

// RebalanceCallbacks are invoked when the group coordinator assigns or
// revokes partitions. Depending on the implementation they fire either from
// inside a client call or from a client-internal goroutine running
// concurrently with the driving goroutine, so they must only do cheap,
// non-blocking bookkeeping and must not call back into the client.
type RebalanceCallbacks struct {
	OnAssigned func(partitions []TopicPartition)
	OnRevoked  func(partitions []TopicPartition)
}

// Client is the narrow surface of a Kafka consumer client.
//
// A Client is NOT safe for concurrent use. Callers must serialize every
// method, including Close, through a single owner. Rebalance callbacks are
// exempt: see RebalanceCallbacks for their threading contract.
type Client interface {
	// Subscribe joins the configured consumer group on the given topics.
	Subscribe(ctx context.Context, topics []string) error
	// SubscribePattern joins the group on all topics matching the expression.
	SubscribePattern(ctx context.Context, pattern *regexp.Regexp) error
	// Assign consumes the given partitions directly, outside group management.
	Assign(ctx context.Context, partitions []TopicPartition) error
	// Unsubscribe leaves the group / drops direct assignments.
	Unsubscribe(ctx context.Context) error

	// Poll drives network I/O, heartbeats and rebalance callbacks, returning
	// any records fetched within the timeout. A nil slice with nil error means
	// the poll timed out empty.
	Poll(ctx context.Context, timeout time.Duration) ([]*kgo.Record, error)

	// Commit submits offsets to the group coordinator and invokes done with
	// the broker's verdict. done may be called from another goroutine.
	Commit(ctx context.Context, offsets Offsets, done func(error))

	Pause(partitions []TopicPartition)
	Resume(partitions []TopicPartition)

	Seek(ctx context.Context, tp TopicPartition, offset Offset) error
	SeekToBeginning(ctx context.Context, partitions []TopicPartition) error
	SeekToEnd(ctx context.Context, partitions []TopicPartition) error
	Position(ctx context.Context, tp TopicPartition) (int64, error)

	PartitionsFor(ctx context.Context, topic string) ([]TopicPartition, error)
	BeginningOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error)
	EndOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error)

	// Metrics returns a point-in-time snapshot of client metrics keyed by
	// fully qualified metric name.
	Metrics() map[string]float64

	// SetRebalanceCallbacks registers the rebalance callbacks; see
	// RebalanceCallbacks for when and where they fire. Must be called before
	// the first Subscribe/Assign.
	SetRebalanceCallbacks(cbs RebalanceCallbacks)

	// Close tears the client down. Idempotent.
	Close() error
}

// SortTopicPartitions sorts in place by (topic, partition).
func SortTopicPartitions(tps []TopicPartition) {
	sort.Slice(tps, func(i, j int) bool { return tps[i].Less(tps[j]) })
}
