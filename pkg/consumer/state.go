package consumer

import (
	"github.com/twmb/franz-go/pkg/kgo"
)

// actorState is mutated only by the actor goroutine.
type actorState struct {
	// assignment maps each owned partition to its current partition-stream
	// incarnation. Updated only from the rebalance entry points and from
	// stream registration.
	assignment map[TopicPartition]uint64

	// fetches holds at most one pending fetch request per assigned partition.
	fetches map[TopicPartition]fetchRequest

	// buffered holds records polled for partitions with no pending fetch.
	// Such partitions are paused at the client until demand returns.
	buffered map[TopicPartition][]*kgo.Record
	paused   map[TopicPartition]struct{}

	// listeners are the registered rebalance listeners, keyed by stream id.
	listeners map[uint64]*rebalanceListener

	// activeStreamID is the fetch-issuing top-level stream; fetches tagged
	// with any other stream id are stale and complete as revoked.
	activeStreamID uint64

	stopConsuming bool
}

func newActorState() *actorState {
	return &actorState{
		assignment: map[TopicPartition]uint64{},
		fetches:    map[TopicPartition]fetchRequest{},
		buffered:   map[TopicPartition][]*kgo.Record{},
		paused:     map[TopicPartition]struct{}{},
		listeners:  map[uint64]*rebalanceListener{},
	}
}

// assignedPartitions returns the assignment snapshot in (topic, partition)
// order.
func (s *actorState) assignedPartitions() []TopicPartition {
	tps := make([]TopicPartition, 0, len(s.assignment))
	for tp := range s.assignment {
		tps = append(tps, tp)
	}
	sortTopicPartitions(tps)
	return tps
}
