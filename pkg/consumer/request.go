package consumer

import (
	"context"
	"regexp"

	"github.com/twmb/franz-go/pkg/kgo"
)

// fetchReason tags a fetch completion.
type fetchReason int

const (
	fetchedRecords fetchReason = iota
	topicPartitionRevoked
	streamFinished
)

// fetchCompletion is delivered on a fetch request's sink: a chunk of raw
// records and why the request completed.
type fetchCompletion struct {
	records []*kgo.Record
	reason  fetchReason
}

// request is a tagged message for the actor. Completion sinks are buffered
// channels of capacity 1 so the actor never blocks completing them.
type request interface{ isRequest() }

type subscribeRequest struct {
	topics []string
	done   chan error
}

type subscribePatternRequest struct {
	pattern *regexp.Regexp
	done    chan error
}

type assignRequest struct {
	partitions []TopicPartition
	done       chan error
}

type unsubscribeRequest struct {
	done chan error
}

// fetchRequest registers demand for one chunk of records from one partition
// incarnation. At most one may be outstanding per (tp, partitionStreamID);
// duplicates overwrite.
type fetchRequest struct {
	tp                TopicPartition
	streamID          uint64
	partitionStreamID uint64
	sink              chan fetchCompletion
}

// rebalanceListener is dispatched from inside the actor's rebalance entry
// points. onAssigned receives the fresh partition-stream ids; callbacks must
// only do cheap bookkeeping and hand heavy work to other goroutines.
type rebalanceListener struct {
	onAssigned func(assigned map[TopicPartition]uint64)
	onRevoked  func(revoked []TopicPartition)
}

// assignmentRequest returns the current assignment snapshot and optionally
// registers a rebalance listener. takeOver marks the listener as the active
// fetch-issuing stream, invalidating fetches from earlier stream ids.
type assignmentRequest struct {
	streamID uint64
	listener *rebalanceListener
	takeOver bool
	done     chan []TopicPartition
}

type unregisterRequest struct {
	streamID uint64
	done     chan struct{}
}

type commitRequest struct {
	offsets Offsets
	attempt int
	done    chan error
}

type stopConsumingRequest struct {
	done chan struct{}
}

// rebalanceRequest carries a rebalance callback from the client into the
// actor loop. The client may fire its callbacks on an internal goroutine, so
// the state mutation must not happen in the callback itself; it happens when
// the actor dequeues this request.
type rebalanceRequest struct {
	assigned   bool
	partitions []TopicPartition
}

func (subscribeRequest) isRequest()        {}
func (subscribePatternRequest) isRequest() {}
func (assignRequest) isRequest()           {}
func (unsubscribeRequest) isRequest()      {}
func (fetchRequest) isRequest()            {}
func (assignmentRequest) isRequest()       {}
func (unregisterRequest) isRequest()       {}
func (commitRequest) isRequest()           {}
func (stopConsumingRequest) isRequest()    {}
func (rebalanceRequest) isRequest()        {}

// requestBus carries requests to the actor. requests holds user-originated
// work and fetch demand; polls has capacity 1 and only ever carries the
// scheduler's poll tokens, so user work takes priority and polling is damped
// to the actor's pace. events is the unbounded lane for rebalance callbacks:
// offering must never block, because the client fires them from its own
// goroutines and the actor itself can trigger them from inside a client
// call.
type requestBus struct {
	requests chan request
	polls    chan struct{}
	events   *queue[rebalanceRequest]
}

func newRequestBus(requestCapacity int) *requestBus {
	return &requestBus{
		requests: make(chan request, requestCapacity),
		polls:    make(chan struct{}, 1),
		events:   newQueue[rebalanceRequest](),
	}
}

// postRebalance enqueues a rebalance event without ever blocking the caller.
func (b *requestBus) postRebalance(ev rebalanceRequest) {
	b.events.push(ev)
}

// send enqueues a request, giving up when ctx is done or the consumer shuts
// down.
func (b *requestBus) send(ctx context.Context, shutdown <-chan struct{}, r request) error {
	select {
	case b.requests <- r:
		return nil
	case <-shutdown:
		return ErrConsumerShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next implements the dequeue discipline: rebalance events first, then
// queued requests, then block for whichever of the three arrives.
func (b *requestBus) next(ctx context.Context) (request, bool, error) {
	for {
		if ev, ok := b.events.pop(); ok {
			return ev, false, nil
		}

		select {
		case r := <-b.requests:
			return r, false, nil
		default:
		}

		select {
		case r := <-b.requests:
			return r, false, nil
		case <-b.polls:
			return nil, true, nil
		case <-b.events.signal:
			// Loop around to pop the event; it may already be gone if it was
			// drained elsewhere.
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
