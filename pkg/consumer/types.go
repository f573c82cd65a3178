package consumer

import (
	"github.com/kafstream/kafstream/pkg/kafclient"
)

// TopicPartition identifies one log within a topic.
type TopicPartition = kafclient.TopicPartition

// Offset is a commit/seek target with optional metadata.
type Offset = kafclient.Offset

// Offsets maps partitions to commit/seek targets.
type Offsets = kafclient.Offsets

// Client is the underlying Kafka client surface the consumer drives.
type Client = kafclient.Client

func sortTopicPartitions(tps []TopicPartition) {
	kafclient.SortTopicPartitions(tps)
}
