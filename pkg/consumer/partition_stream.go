package consumer

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// PartitionStream delivers one partition's records for one assignment
// incarnation. Chunks arrive strictly offset-ordered; the channel closes when
// the partition is revoked, the consumer stops or terminates, or Close is
// called. A revocation followed by a re-assignment produces a fresh
// PartitionStream.
type PartitionStream[K, V any] struct {
	tp       TopicPartition
	id       uint64
	streamID uint64

	// chunks is the prefetch queue: its buffer holds maxPrefetchBatches-1
	// chunks and one more is in flight in the demand loop.
	chunks chan []CommittableRecord[K, V]

	closeOnce sync.Once
	closed    chan struct{}
}

func newPartitionStream[K, V any](tp TopicPartition, id, streamID uint64, prefetch int) *PartitionStream[K, V] {
	return &PartitionStream[K, V]{
		tp:       tp,
		id:       id,
		streamID: streamID,
		chunks:   make(chan []CommittableRecord[K, V], prefetch),
		closed:   make(chan struct{}),
	}
}

func (s *PartitionStream[K, V]) TopicPartition() TopicPartition { return s.tp }

// Chunks is the stream of record chunks. Receiving slowly is the
// backpressure signal: once the buffer fills, the demand loop stops issuing
// fetches and the actor pauses the partition at the client.
func (s *PartitionStream[K, V]) Chunks() <-chan []CommittableRecord[K, V] { return s.chunks }

// Close abandons the stream. The demand loop observes it and ends the chunk
// channel; records not yet handed to the user are dropped, not committed.
func (s *PartitionStream[K, V]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// runPartitionStream is the demand loop: request one chunk, wait for the
// completion or shutdown, hand the chunk downstream, repeat. The chunk
// channel is always closed on exit, which is the downstream termination
// sentinel.
func (c *Consumer[K, V]) runPartitionStream(s *PartitionStream[K, V]) {
	defer close(s.chunks)

	for {
		select {
		case <-s.closed:
			return
		case <-c.stopCh:
			return
		case <-c.shutdownCh:
			return
		default:
		}

		sink := make(chan fetchCompletion, 1)
		req := fetchRequest{tp: s.tp, streamID: s.streamID, partitionStreamID: s.id, sink: sink}
		select {
		case c.bus.requests <- req:
		case <-s.closed:
			return
		case <-c.stopCh:
			return
		case <-c.shutdownCh:
			return
		}
		c.metrics.fetchRequests.Inc()

		var comp fetchCompletion
		select {
		case comp = <-sink:
		case <-s.closed:
			return
		case <-c.shutdownCh:
			// The actor completes or rejects the sink on its way out; no
			// record already handed off is lost, only undelivered demand.
			return
		}

		if len(comp.records) > 0 {
			chunk := c.decodeChunk(comp.records)
			select {
			case s.chunks <- chunk:
			case <-s.closed:
				return
			case <-c.shutdownCh:
				return
			}
		}

		if comp.reason != fetchedRecords {
			return
		}
	}
}

// decodeChunk turns raw records into committable records, applying the key
// and value deserializers. Decode failures ride inline on the record.
func (c *Consumer[K, V]) decodeChunk(recs []*kgo.Record) []CommittableRecord[K, V] {
	out := make([]CommittableRecord[K, V], 0, len(recs))
	for _, r := range recs {
		rec := Record[K, V]{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
		}
		for _, h := range r.Headers {
			rec.Headers = append(rec.Headers, Header{Key: h.Key, Value: h.Value})
		}

		key, err := c.keyDeserializer.Deserialize(r.Topic, r.Key)
		if err != nil {
			rec.Err = &DeserializationError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, IsKey: true, Cause: err}
		} else {
			rec.Key = key
		}
		if rec.Err == nil {
			value, err := c.valueDeserializer.Deserialize(r.Topic, r.Value)
			if err != nil {
				rec.Err = &DeserializationError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Cause: err}
			} else {
				rec.Value = value
			}
		}

		out = append(out, CommittableRecord[K, V]{
			Record: rec,
			Offset: CommittableOffset{
				tp:    TopicPartition{Topic: r.Topic, Partition: r.Partition},
				next:  r.Offset + 1,
				epoch: r.LeaderEpoch,
				c:     c,
			},
		})
	}
	return out
}
