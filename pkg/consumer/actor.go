package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafstream/kafstream/pkg/kafclient"
)

// actor is the sole consumer of the request bus and the only code that calls
// the Kafka client, one request at a time. Rebalance callbacks arrive as
// queued events on the bus, never as direct calls, so every state mutation
// happens in actor sequence no matter which goroutine the client fired the
// callback on.
type actor struct {
	cfg     Config
	logger  log.Logger
	metrics *consumerMetrics

	bus    *requestBus
	handle *consumerHandle
	state  *actorState

	nextPartitionStreamID uint64

	// signalStop is closed-once plumbing owned by the consumer; fired on
	// stopConsuming and on actor exit so streams terminate.
	signalStop func()
	// shutdown observes consumer termination; used by commit retries.
	shutdown <-chan struct{}
}

func (a *actor) run(ctx context.Context) error {
	defer a.finish()

	for {
		req, isPoll, err := a.bus.next(ctx)
		if err != nil {
			return nil
		}
		if isPoll {
			if err := a.poll(ctx); err != nil {
				return err
			}
			continue
		}
		a.handleRequest(ctx, req)
	}
}

// finish runs when the actor exits for any reason: pending fetch requests
// complete so partition streams end without losing records already handed
// off, and the stop signal fires so the public streams terminate.
func (a *actor) finish() {
	for tp, fr := range a.state.fetches {
		fr.sink <- fetchCompletion{reason: streamFinished}
		delete(a.state.fetches, tp)
	}
	a.signalStop()
}

func (a *actor) handleRequest(ctx context.Context, req request) {
	switch r := req.(type) {
	case subscribeRequest:
		r.done <- a.handle.blocking(func(c kafclient.Client) error {
			return c.Subscribe(ctx, r.topics)
		})
	case subscribePatternRequest:
		r.done <- a.handle.blocking(func(c kafclient.Client) error {
			return c.SubscribePattern(ctx, r.pattern)
		})
	case assignRequest:
		r.done <- a.handle.blocking(func(c kafclient.Client) error {
			return c.Assign(ctx, r.partitions)
		})
	case unsubscribeRequest:
		r.done <- a.handle.blocking(func(c kafclient.Client) error {
			return c.Unsubscribe(ctx)
		})
	case fetchRequest:
		a.handleFetch(r)
	case assignmentRequest:
		a.handleAssignment(r)
	case unregisterRequest:
		delete(a.state.listeners, r.streamID)
		if a.state.activeStreamID == r.streamID {
			a.state.activeStreamID = 0
		}
		r.done <- struct{}{}
	case commitRequest:
		a.handleCommit(ctx, r)
	case stopConsumingRequest:
		a.handleStopConsuming()
		r.done <- struct{}{}
	case rebalanceRequest:
		a.applyRebalance(r)
	default:
		level.Error(a.logger).Log("msg", "unknown request", "type", fmt.Sprintf("%T", req))
	}
}

// poll runs one bounded client poll, demultiplexes the records by partition,
// satisfies pending fetches and pauses partitions that buffered records
// without demand.
func (a *actor) poll(ctx context.Context) error {
	start := time.Now()
	records, err := blockingValue(a.handle, func(c kafclient.Client) ([]*kgo.Record, error) {
		return c.Poll(ctx, a.cfg.PollTimeout)
	})
	a.metrics.pollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrConsumerShutdown) || errors.Is(err, kgo.ErrClientClosed) {
			return nil
		}
		return fmt.Errorf("polling kafka: %w", err)
	}

	// Rebalance callbacks fired during (or concurrently with) the poll sit in
	// the events lane. Apply them before demuxing: any record the poll
	// returned was fetched only after its partition's assigned callback, so
	// the assignment must be in place for the record to be routed.
	a.drainRebalanceEvents()

	for _, rec := range records {
		tp := TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
		if _, assigned := a.state.assignment[tp]; !assigned {
			// Revoked between fetch and delivery; the record is re-fetched by
			// the new owner from the committed offset.
			continue
		}
		a.state.buffered[tp] = append(a.state.buffered[tp], rec)
	}
	a.metrics.recordsFetched.Add(float64(len(records)))

	for tp, fr := range a.state.fetches {
		recs := a.state.buffered[tp]
		if len(recs) == 0 {
			continue
		}
		delete(a.state.buffered, tp)
		delete(a.state.fetches, tp)
		fr.sink <- fetchCompletion{records: recs, reason: fetchedRecords}
	}

	var toPause []TopicPartition
	for tp, recs := range a.state.buffered {
		if len(recs) == 0 {
			delete(a.state.buffered, tp)
			continue
		}
		if _, paused := a.state.paused[tp]; !paused {
			a.state.paused[tp] = struct{}{}
			toPause = append(toPause, tp)
		}
	}
	if len(toPause) > 0 {
		_ = a.handle.blocking(func(c kafclient.Client) error {
			c.Pause(toPause)
			return nil
		})
		a.metrics.pausedPartitions.Set(float64(len(a.state.paused)))
	}

	return nil
}

func (a *actor) handleFetch(fr fetchRequest) {
	if a.state.stopConsuming || fr.streamID != a.state.activeStreamID {
		fr.sink <- fetchCompletion{reason: topicPartitionRevoked}
		return
	}
	id, assigned := a.state.assignment[fr.tp]
	if !assigned || id != fr.partitionStreamID {
		fr.sink <- fetchCompletion{reason: topicPartitionRevoked}
		return
	}

	if recs := a.state.buffered[fr.tp]; len(recs) > 0 {
		delete(a.state.buffered, fr.tp)
		a.resume(fr.tp)
		fr.sink <- fetchCompletion{records: recs, reason: fetchedRecords}
		return
	}

	a.resume(fr.tp)
	a.state.fetches[fr.tp] = fr
}

// resume unpauses a partition that has fresh demand.
func (a *actor) resume(tp TopicPartition) {
	if _, paused := a.state.paused[tp]; !paused {
		return
	}
	delete(a.state.paused, tp)
	_ = a.handle.blocking(func(c kafclient.Client) error {
		c.Resume([]TopicPartition{tp})
		return nil
	})
	a.metrics.pausedPartitions.Set(float64(len(a.state.paused)))
}

func (a *actor) handleAssignment(r assignmentRequest) {
	if r.listener != nil {
		a.state.listeners[r.streamID] = r.listener

		if r.takeOver {
			a.state.activeStreamID = r.streamID

			// Fetches issued by an earlier stream are stale now.
			for tp, fr := range a.state.fetches {
				fr.sink <- fetchCompletion{reason: topicPartitionRevoked}
				delete(a.state.fetches, tp)
			}

			// The new stream gets fresh incarnations of the live assignment.
			bootstrap := make(map[TopicPartition]uint64, len(a.state.assignment))
			for tp := range a.state.assignment {
				a.nextPartitionStreamID++
				a.state.assignment[tp] = a.nextPartitionStreamID
				bootstrap[tp] = a.nextPartitionStreamID
			}
			if r.listener.onAssigned != nil {
				r.listener.onAssigned(bootstrap)
			}
		} else if r.listener.onAssigned != nil {
			snapshot := make(map[TopicPartition]uint64, len(a.state.assignment))
			for tp, id := range a.state.assignment {
				snapshot[tp] = id
			}
			r.listener.onAssigned(snapshot)
		}
	}
	r.done <- a.state.assignedPartitions()
}

func (a *actor) drainRebalanceEvents() {
	for {
		ev, ok := a.bus.events.pop()
		if !ok {
			return
		}
		a.applyRebalance(ev)
	}
}

func (a *actor) applyRebalance(ev rebalanceRequest) {
	if ev.assigned {
		a.applyAssigned(ev.partitions)
	} else {
		a.applyRevoked(ev.partitions)
	}
}

// applyAssigned is the rebalance entry point for newly assigned partitions.
// Like every state mutation it runs only on the actor goroutine, when the
// queued rebalance event is dequeued; it must not re-enter the handle.
func (a *actor) applyAssigned(tps []TopicPartition) {
	assigned := make(map[TopicPartition]uint64, len(tps))
	for _, tp := range tps {
		a.nextPartitionStreamID++
		a.state.assignment[tp] = a.nextPartitionStreamID
		assigned[tp] = a.nextPartitionStreamID
	}
	a.metrics.rebalances.WithLabelValues("assigned").Inc()
	level.Debug(a.logger).Log("msg", "partitions assigned", "count", len(tps))

	for _, l := range a.state.listeners {
		if l.onAssigned != nil {
			l.onAssigned(assigned)
		}
	}
}

// applyRevoked is the rebalance entry point for revoked partitions: pending
// fetches complete with whatever was buffered and the revoked reason, before
// any further record delivery can happen for them.
func (a *actor) applyRevoked(tps []TopicPartition) {
	for _, tp := range tps {
		if fr, ok := a.state.fetches[tp]; ok {
			fr.sink <- fetchCompletion{records: a.state.buffered[tp], reason: topicPartitionRevoked}
			delete(a.state.fetches, tp)
		}
		delete(a.state.buffered, tp)
		delete(a.state.assignment, tp)
		delete(a.state.paused, tp)
	}
	a.metrics.rebalances.WithLabelValues("revoked").Inc()
	level.Debug(a.logger).Log("msg", "partitions revoked", "count", len(tps))

	for _, l := range a.state.listeners {
		if l.onRevoked != nil {
			l.onRevoked(tps)
		}
	}
}

func (a *actor) handleStopConsuming() {
	if a.state.stopConsuming {
		return
	}
	a.state.stopConsuming = true

	for tp, fr := range a.state.fetches {
		fr.sink <- fetchCompletion{reason: streamFinished}
		delete(a.state.fetches, tp)
	}
	a.signalStop()
	level.Debug(a.logger).Log("msg", "stopped consuming")
}

// handleCommit drives a commit through the client. The broker's verdict
// arrives on another goroutine; retriable errors are retried on the
// commit-recovery schedule by re-enqueueing the request.
func (a *actor) handleCommit(ctx context.Context, cr commitRequest) {
	a.metrics.commitAttempts.Inc()

	done := func(err error) {
		if err == nil {
			cr.done <- nil
			return
		}
		retriable := kerr.IsRetriable(err) || errors.Is(err, kerr.RebalanceInProgress)
		if retriable && cr.attempt < a.cfg.CommitRecovery.MaxRetries {
			a.metrics.commitRetries.Inc()
			retry := commitRequest{offsets: cr.offsets, attempt: cr.attempt + 1, done: cr.done}
			time.AfterFunc(commitBackoff(a.cfg.CommitRecovery, cr.attempt), func() {
				if sendErr := a.bus.send(context.Background(), a.shutdown, retry); sendErr != nil {
					cr.done <- sendErr
				}
			})
			return
		}
		a.metrics.commitFailures.Inc()
		cr.done <- err
	}

	err := a.handle.blocking(func(c kafclient.Client) error {
		c.Commit(ctx, cr.offsets, done)
		return nil
	})
	if err != nil {
		cr.done <- err
	}
}

// commitBackoff computes the delay before retry attempt+1 from the recovery
// schedule: exponential from MinBackoff, capped at MaxBackoff.
func commitBackoff(cfg backoff.Config, attempt int) time.Duration {
	d := cfg.MinBackoff
	for i := 0; i < attempt && d < cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}
