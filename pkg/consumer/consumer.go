// Package consumer turns a single Kafka client handle into backpressured,
// partition-aware record streams with rebalance handling and coordinated
// offset commits.
//
// All client access is serialized through one actor goroutine; user-facing
// operations communicate with it over a request bus and suspend on one-shot
// completion channels. One consumer serves one subscriber at a time: handing
// the same stream to several goroutines is not supported.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/kafstream/kafstream/pkg/kafclient"
)

// Consumer is a streaming Kafka consumer generic over the decoded key and
// value types. It is a dskit service: start it with
// services.StartAndAwaitRunning (or Start), stop it with Terminate.
type Consumer[K, V any] struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *consumerMetrics

	keyDeserializer   Deserializer[K]
	valueDeserializer Deserializer[V]

	handle *consumerHandle
	bus    *requestBus
	act    *actor

	streamIDs atomic.Uint64

	// stopCh fires on StopConsuming and on actor exit; shutdownCh fires when
	// the service stops for any reason.
	stopCh     chan struct{}
	stopOnce   func()
	shutdownCh chan struct{}
}

// New builds a consumer over the given client. The client must not be used
// by anyone else afterwards; the consumer owns it and closes it on
// termination.
func New[K, V any](cfg Config, client kafclient.Client, keyDeserializer Deserializer[K], valueDeserializer Deserializer[V], logger log.Logger, reg prometheus.Registerer) (*Consumer[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, errors.New("client must be set")
	}
	if keyDeserializer == nil || valueDeserializer == nil {
		return nil, errors.New("key and value deserializers must be set")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Consumer[K, V]{
		cfg:               cfg,
		logger:            logger,
		metrics:           newConsumerMetrics(reg),
		keyDeserializer:   keyDeserializer,
		valueDeserializer: valueDeserializer,
		handle:            newConsumerHandle(client, logger),
		bus:               newRequestBus(cfg.RequestQueueCapacity),
		stopCh:            make(chan struct{}),
		shutdownCh:        make(chan struct{}),
	}

	var stopOnce sync.Once
	c.stopOnce = func() { stopOnce.Do(func() { close(c.stopCh) }) }

	c.act = &actor{
		cfg:        cfg,
		logger:     logger,
		metrics:    c.metrics,
		bus:        c.bus,
		handle:     c.handle,
		state:      newActorState(),
		signalStop: c.stopOnce,
		shutdown:   c.shutdownCh,
	}

	// The client may fire these from its own goroutines, concurrently with
	// the actor loop; they only enqueue, the actor applies the state change
	// when it dequeues the event.
	client.SetRebalanceCallbacks(kafclient.RebalanceCallbacks{
		OnAssigned: func(tps []TopicPartition) {
			c.bus.postRebalance(rebalanceRequest{assigned: true, partitions: tps})
		},
		OnRevoked: func(tps []TopicPartition) {
			c.bus.postRebalance(rebalanceRequest{assigned: false, partitions: tps})
		},
	})

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

func (c *Consumer[K, V]) starting(context.Context) error { return nil }

// running supervises the actor loop and the poll scheduler: either one
// finishing or failing takes the other down with it, and a failure surfaces
// from AwaitTermination.
func (c *Consumer[K, V]) running(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.act.run(gctx) })
	g.Go(func() error {
		scheduler := &pollScheduler{interval: c.cfg.PollInterval, polls: c.bus.polls}
		return scheduler.run(gctx)
	})

	return g.Wait()
}

func (c *Consumer[K, V]) stopping(_ error) error {
	close(c.shutdownCh)
	c.stopOnce()
	c.handle.close()
	return nil
}

// Start runs the consumer and waits until it is polling.
func (c *Consumer[K, V]) Start(ctx context.Context) error {
	return services.StartAndAwaitRunning(ctx, c)
}

// Terminate stops the consumer: in-flight operations unwind with
// ErrConsumerShutdown, streams end, the client closes.
func (c *Consumer[K, V]) Terminate(ctx context.Context) error {
	return services.StopAndAwaitTerminated(ctx, c)
}

// AwaitTermination blocks until the consumer has terminated, returning the
// failure that brought it down, if any.
func (c *Consumer[K, V]) AwaitTermination(ctx context.Context) error {
	return c.AwaitTerminated(ctx)
}

// StopConsuming stops record delivery without terminating: no further
// fetches are honored, the assignment and partition streams drain and end,
// while commits, including ones already in flight, still complete.
func (c *Consumer[K, V]) StopConsuming(ctx context.Context) error {
	done := make(chan struct{}, 1)
	if err := c.bus.send(ctx, c.shutdownCh, stopConsumingRequest{done: done}); err != nil {
		return err
	}
	_, err := awaitDone(ctx, c.shutdownCh, done)
	return err
}

// Subscribe joins the consumer group on the given topics.
func (c *Consumer[K, V]) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return errors.New("at least one topic is required")
	}
	return c.roundTrip(ctx, func(done chan error) request {
		return subscribeRequest{topics: topics, done: done}
	})
}

// SubscribePattern joins the consumer group on all topics matching pattern.
func (c *Consumer[K, V]) SubscribePattern(ctx context.Context, pattern *regexp.Regexp) error {
	if pattern == nil {
		return errors.New("pattern must be set")
	}
	return c.roundTrip(ctx, func(done chan error) request {
		return subscribePatternRequest{pattern: pattern, done: done}
	})
}

// Assign consumes the given partitions directly, outside group management.
func (c *Consumer[K, V]) Assign(ctx context.Context, partitions ...TopicPartition) error {
	if len(partitions) == 0 {
		return errors.New("at least one partition is required")
	}
	return c.roundTrip(ctx, func(done chan error) request {
		return assignRequest{partitions: partitions, done: done}
	})
}

// AssignTopic assigns every partition of the topic.
func (c *Consumer[K, V]) AssignTopic(ctx context.Context, topic string) error {
	partitions, err := c.PartitionsFor(ctx, topic)
	if err != nil {
		return err
	}
	return c.Assign(ctx, partitions...)
}

// Unsubscribe leaves the group; the live assignment is revoked.
func (c *Consumer[K, V]) Unsubscribe(ctx context.Context) error {
	return c.roundTrip(ctx, func(done chan error) request {
		return unsubscribeRequest{done: done}
	})
}

func (c *Consumer[K, V]) roundTrip(ctx context.Context, build func(chan error) request) error {
	done := make(chan error, 1)
	if err := c.bus.send(ctx, c.shutdownCh, build(done)); err != nil {
		return err
	}
	err, rtErr := awaitDone(ctx, c.shutdownCh, done)
	if rtErr != nil {
		return rtErr
	}
	return err
}

// Seek sets the fetch position for a partition. Safe while polling: the call
// serializes with the actor on the client handle.
func (c *Consumer[K, V]) Seek(ctx context.Context, tp TopicPartition, offset int64) error {
	return c.handle.blocking(func(cl kafclient.Client) error {
		return cl.Seek(ctx, tp, Offset{At: offset, LeaderEpoch: -1})
	})
}

// SeekToBeginning rewinds partitions to their first offset.
func (c *Consumer[K, V]) SeekToBeginning(ctx context.Context, partitions ...TopicPartition) error {
	return c.handle.blocking(func(cl kafclient.Client) error {
		return cl.SeekToBeginning(ctx, partitions)
	})
}

// SeekToEnd forwards partitions to their end offset.
func (c *Consumer[K, V]) SeekToEnd(ctx context.Context, partitions ...TopicPartition) error {
	return c.handle.blocking(func(cl kafclient.Client) error {
		return cl.SeekToEnd(ctx, partitions)
	})
}

// Position returns the offset of the next record to fetch for tp.
func (c *Consumer[K, V]) Position(ctx context.Context, tp TopicPartition) (int64, error) {
	return blockingValue(c.handle, func(cl kafclient.Client) (int64, error) {
		return cl.Position(ctx, tp)
	})
}

// PartitionsFor lists the partitions of a topic.
func (c *Consumer[K, V]) PartitionsFor(ctx context.Context, topic string) ([]TopicPartition, error) {
	return blockingValue(c.handle, func(cl kafclient.Client) ([]TopicPartition, error) {
		return cl.PartitionsFor(ctx, topic)
	})
}

// BeginningOffsets returns the first offset of each partition.
func (c *Consumer[K, V]) BeginningOffsets(ctx context.Context, partitions ...TopicPartition) (map[TopicPartition]int64, error) {
	return blockingValue(c.handle, func(cl kafclient.Client) (map[TopicPartition]int64, error) {
		return cl.BeginningOffsets(ctx, partitions)
	})
}

// EndOffsets returns one past the last offset of each partition.
func (c *Consumer[K, V]) EndOffsets(ctx context.Context, partitions ...TopicPartition) (map[TopicPartition]int64, error) {
	return blockingValue(c.handle, func(cl kafclient.Client) (map[TopicPartition]int64, error) {
		return cl.EndOffsets(ctx, partitions)
	})
}

// Metrics snapshots the underlying client's metrics.
func (c *Consumer[K, V]) Metrics() (map[string]float64, error) {
	return blockingValue(c.handle, func(cl kafclient.Client) (map[string]float64, error) {
		return cl.Metrics(), nil
	})
}
