package consumer

import (
	"context"
	"time"
)

// Header is one record header.
type Header struct {
	Key   string
	Value []byte
}

// Record is a single decoded Kafka record.
//
// Err is set when key or value deserialization failed; the record's metadata
// is still populated so the caller can skip or seek past it. A
// deserialization failure never tears down the partition stream.
type Record[K, V any] struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       K
	Value     V
	Timestamp time.Time
	Headers   []Header
	Err       error
}

func (r Record[K, V]) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// committer is the slice of the consumer a CommittableOffset needs.
type committer interface {
	CommitSync(ctx context.Context, offsets Offsets) error
}

// CommittableOffset references the owning consumer and the next offset to
// commit for one partition after its record has been processed.
type CommittableOffset struct {
	tp       TopicPartition
	next     int64
	epoch    int32
	metadata string
	c        committer
}

func (o CommittableOffset) TopicPartition() TopicPartition { return o.tp }

// NextOffset is the offset that will be committed: one past the record.
func (o CommittableOffset) NextOffset() int64 { return o.next }

func (o CommittableOffset) Metadata() string { return o.metadata }

// Offsets renders the handle as a single-entry commit map.
func (o CommittableOffset) Offsets() Offsets {
	return Offsets{o.tp: {At: o.next, LeaderEpoch: o.epoch, Metadata: o.metadata}}
}

// Commit persists this offset through the owning consumer, returning after
// broker acknowledgement.
func (o CommittableOffset) Commit(ctx context.Context) error {
	return o.c.CommitSync(ctx, o.Offsets())
}

// CommittableRecord pairs a record with its commit handle.
type CommittableRecord[K, V any] struct {
	Record Record[K, V]
	Offset CommittableOffset
}

// CommittableOffsetBatch folds many committable offsets into one commit,
// keeping the highest next-offset seen per partition.
type CommittableOffsetBatch struct {
	offsets Offsets
	c       committer
}

// Add folds one offset into the batch.
func (b *CommittableOffsetBatch) Add(o CommittableOffset) {
	if b.offsets == nil {
		b.offsets = Offsets{}
	}
	if b.c == nil {
		b.c = o.c
	}
	if cur, ok := b.offsets[o.tp]; !ok || o.next > cur.At {
		b.offsets[o.tp] = Offset{At: o.next, LeaderEpoch: o.epoch, Metadata: o.metadata}
	}
}

// Offsets is the folded commit map.
func (b *CommittableOffsetBatch) Offsets() Offsets { return b.offsets }

// Commit persists the batch, returning after broker acknowledgement. A batch
// with no offsets is a no-op.
func (b *CommittableOffsetBatch) Commit(ctx context.Context) error {
	if len(b.offsets) == 0 {
		return nil
	}
	return b.c.CommitSync(ctx, b.offsets)
}
