package consumer

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO between actor-side listener callbacks, which
// must never block, and the stream forwarder goroutines.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// PartitionsMapStream yields successive assignment maps of partition to
// partition stream. Each map reflects one rebalance: the newly assigned
// partitions with freshly created streams. Revoked partitions do not appear
// in later maps; their streams terminate through the fetch protocol.
//
// Subscribing makes this the active fetch-issuing stream: partition streams
// of an earlier PartitionsMapStream call stop receiving records.
func (c *Consumer[K, V]) PartitionsMapStream(ctx context.Context) (<-chan map[TopicPartition]*PartitionStream[K, V], error) {
	streamID := c.streamIDs.Inc()
	q := newQueue[map[TopicPartition]*PartitionStream[K, V]]()

	listener := &rebalanceListener{
		onAssigned: func(assigned map[TopicPartition]uint64) {
			m := make(map[TopicPartition]*PartitionStream[K, V], len(assigned))
			for tp, id := range assigned {
				ps := newPartitionStream[K, V](tp, id, streamID, c.cfg.MaxPrefetchBatches-1)
				go c.runPartitionStream(ps)
				m[tp] = ps
			}
			q.push(m)
		},
		// Revoked partition streams observe the revocation on their next
		// fetch and end themselves.
		onRevoked: nil,
	}

	if err := c.register(ctx, streamID, listener, true); err != nil {
		return nil, err
	}

	out := make(chan map[TopicPartition]*PartitionStream[K, V])
	go c.forward(ctx, streamID, q, out)
	return out, nil
}

// PartitionedStream flattens PartitionsMapStream into the partition streams
// themselves, in (topic, partition) order per map.
func (c *Consumer[K, V]) PartitionedStream(ctx context.Context) (<-chan *PartitionStream[K, V], error) {
	maps, err := c.PartitionsMapStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan *PartitionStream[K, V])
	go func() {
		defer close(out)
		for m := range maps {
			tps := make([]TopicPartition, 0, len(m))
			for tp := range m {
				tps = append(tps, tp)
			}
			sortTopicPartitions(tps)
			for _, tp := range tps {
				select {
				case out <- m[tp]:
				case <-ctx.Done():
					return
				case <-c.shutdownCh:
					return
				}
			}
		}
	}()
	return out, nil
}

// Records joins all partition streams into one stream of committable
// records. Cross-partition ordering is arbitrary; per-partition order is
// preserved.
func (c *Consumer[K, V]) Records(ctx context.Context) (<-chan CommittableRecord[K, V], error) {
	parts, err := c.PartitionedStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan CommittableRecord[K, V])
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for ps := range parts {
			wg.Add(1)
			go func(ps *PartitionStream[K, V]) {
				defer wg.Done()
				for chunk := range ps.Chunks() {
					for _, rec := range chunk {
						select {
						case out <- rec:
						case <-ctx.Done():
							return
						case <-c.shutdownCh:
							return
						}
					}
				}
			}(ps)
		}
		wg.Wait()
	}()
	return out, nil
}

// AssignmentStream emits the current assignment on every change, starting
// with the assignment at subscription time. Consecutive emissions always
// differ. The stream ends on stopConsuming, termination or ctx cancellation.
func (c *Consumer[K, V]) AssignmentStream(ctx context.Context) (<-chan []TopicPartition, error) {
	streamID := c.streamIDs.Inc()
	q := newQueue[[]TopicPartition]()

	// mirror is touched only by the actor goroutine inside the listener.
	mirror := map[TopicPartition]struct{}{}
	snapshot := func() []TopicPartition {
		tps := make([]TopicPartition, 0, len(mirror))
		for tp := range mirror {
			tps = append(tps, tp)
		}
		sortTopicPartitions(tps)
		return tps
	}

	listener := &rebalanceListener{
		onAssigned: func(assigned map[TopicPartition]uint64) {
			for tp := range assigned {
				mirror[tp] = struct{}{}
			}
			q.push(snapshot())
		},
		onRevoked: func(revoked []TopicPartition) {
			for _, tp := range revoked {
				delete(mirror, tp)
			}
			q.push(snapshot())
		},
	}

	if err := c.register(ctx, streamID, listener, false); err != nil {
		return nil, err
	}

	out := make(chan []TopicPartition)
	go func() {
		defer close(out)
		defer c.unregister(streamID)

		var last []TopicPartition
		first := true
		for {
			if tps, ok := q.pop(); ok {
				if !first && equalPartitions(last, tps) {
					continue
				}
				select {
				case out <- tps:
					last, first = tps, false
				case <-ctx.Done():
					return
				case <-c.stopCh:
					return
				case <-c.shutdownCh:
					return
				}
				continue
			}

			select {
			case <-q.signal:
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-c.shutdownCh:
				return
			}
		}
	}()
	return out, nil
}

// Assignment returns the current assignment snapshot.
func (c *Consumer[K, V]) Assignment(ctx context.Context) ([]TopicPartition, error) {
	done := make(chan []TopicPartition, 1)
	if err := c.bus.send(ctx, c.shutdownCh, assignmentRequest{done: done}); err != nil {
		return nil, err
	}
	return awaitDone(ctx, c.shutdownCh, done)
}

// register installs a rebalance listener and waits for the actor to publish
// the bootstrap snapshot through it.
func (c *Consumer[K, V]) register(ctx context.Context, streamID uint64, l *rebalanceListener, takeOver bool) error {
	done := make(chan []TopicPartition, 1)
	req := assignmentRequest{streamID: streamID, listener: l, takeOver: takeOver, done: done}
	if err := c.bus.send(ctx, c.shutdownCh, req); err != nil {
		return err
	}
	_, err := awaitDone(ctx, c.shutdownCh, done)
	return err
}

// unregister drops a listener; best effort on shutdown paths.
func (c *Consumer[K, V]) unregister(streamID uint64) {
	done := make(chan struct{}, 1)
	req := unregisterRequest{streamID: streamID, done: done}
	if err := c.bus.send(context.Background(), c.shutdownCh, req); err != nil {
		return
	}
	_, _ = awaitDone(context.Background(), c.shutdownCh, done)
}

// forward drains the unbounded queue into the public channel until the
// stream ends.
func (c *Consumer[K, V]) forward(ctx context.Context, streamID uint64, q *queue[map[TopicPartition]*PartitionStream[K, V]], out chan<- map[TopicPartition]*PartitionStream[K, V]) {
	defer close(out)
	defer c.unregister(streamID)

	for {
		if m, ok := q.pop(); ok {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-c.shutdownCh:
				return
			}
			continue
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.shutdownCh:
			return
		}
	}
}

func equalPartitions(a, b []TopicPartition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// awaitDone races a completion sink against shutdown and ctx.
func awaitDone[T any](ctx context.Context, shutdown <-chan struct{}, done <-chan T) (T, error) {
	var zero T
	select {
	case v := <-done:
		return v, nil
	case <-shutdown:
		return zero, ErrConsumerShutdown
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
