package kafclient

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// InMemoryClient is a deterministic, broker-free Client used by unit tests.
//
// It honors the Client contract from the caller's point of view while being
// internally locked, so tests may seed records and script rebalances from
// other goroutines while the consumer is polling. Scripted assignment and
// revocation events are delivered through the rebalance callbacks on the
// next Poll; a real client may instead fire them from an internal goroutine,
// which the callback contract allows for.
type InMemoryClient struct {
	mu sync.Mutex

	partitions map[string]int32                     // topic to partition count
	records    map[TopicPartition][]*kgo.Record     // the log
	positions  map[TopicPartition]int64             // next fetch offset
	committed  map[string]map[TopicPartition]Offset // group to committed offsets

	group      string
	subscribed map[string]struct{}
	assignment map[TopicPartition]struct{}
	paused     map[TopicPartition]struct{}

	pendingEvents []rebalanceEvent
	cbs           RebalanceCallbacks

	pollErrs    []error
	commitErrs  []error
	holdCommits bool

	maxPollRecords int

	recordsAdded chan struct{}
	closed       bool
}

type rebalanceEvent struct {
	assigned bool
	tps      []TopicPartition
}

var _ Client = (*InMemoryClient)(nil)

func NewInMemoryClient(group string) *InMemoryClient {
	return &InMemoryClient{
		partitions:     map[string]int32{},
		records:        map[TopicPartition][]*kgo.Record{},
		positions:      map[TopicPartition]int64{},
		committed:      map[string]map[TopicPartition]Offset{},
		subscribed:     map[string]struct{}{},
		assignment:     map[TopicPartition]struct{}{},
		paused:         map[TopicPartition]struct{}{},
		group:          group,
		maxPollRecords: 500,
		recordsAdded:   make(chan struct{}, 1),
	}
}

// SeedTopic declares a topic with the given number of partitions.
func (c *InMemoryClient) SeedTopic(topic string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions[topic] = partitions
}

// AddRecord appends one record to a partition's log and returns its offset.
func (c *InMemoryClient) AddRecord(topic string, partition int32, key, value []byte) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	tp := TopicPartition{Topic: topic, Partition: partition}
	offset := int64(len(c.records[tp]))
	c.records[tp] = append(c.records[tp], &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	})

	select {
	case c.recordsAdded <- struct{}{}:
	default:
	}
	return offset
}

// ScriptAssign delivers an assignment event through OnAssigned inside the
// next Poll.
func (c *InMemoryClient) ScriptAssign(tps ...TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: true, tps: tps})
	c.wake()
}

// ScriptRevoke delivers a revocation event through OnRevoked inside the next
// Poll.
func (c *InMemoryClient) ScriptRevoke(tps ...TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: false, tps: tps})
	c.wake()
}

// FailPolls makes the next polls return the given errors, one per poll.
func (c *InMemoryClient) FailPolls(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErrs = append(c.pollErrs, errs...)
	c.wake()
}

// FailCommits makes the next commits complete with the given errors, one per
// attempt. A nil entry makes that attempt succeed.
func (c *InMemoryClient) FailCommits(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErrs = append(c.commitErrs, errs...)
}

// HoldCommits makes commits never complete: offsets are dropped and done is
// never invoked. Used to exercise commit deadlines.
func (c *InMemoryClient) HoldCommits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdCommits = true
}

// Committed returns the offsets committed for the configured group.
func (c *InMemoryClient) Committed() Offsets {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Offsets{}
	for tp, o := range c.committed[c.group] {
		out[tp] = o
	}
	return out
}

// Paused reports whether the partition is currently paused.
func (c *InMemoryClient) Paused(tp TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[tp]
	return ok
}

func (c *InMemoryClient) wake() {
	select {
	case c.recordsAdded <- struct{}{}:
	default:
	}
}

func (c *InMemoryClient) SetRebalanceCallbacks(cbs RebalanceCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cbs = cbs
}

// Subscribe schedules an assignment of every partition of the topics for the
// next Poll, the way a group join resolves on a live broker.
func (c *InMemoryClient) Subscribe(_ context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tps []TopicPartition
	for _, topic := range topics {
		n, ok := c.partitions[topic]
		if !ok {
			return fmt.Errorf("unknown topic %s", topic)
		}
		c.subscribed[topic] = struct{}{}
		for p := int32(0); p < n; p++ {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	SortTopicPartitions(tps)
	c.pendingEvents = append(c.pendingEvents, rebalanceEvent{assigned: true, tps: tps})
	c.wake()
	return nil
}

func (c *InMemoryClient) SubscribePattern(ctx context.Context, pattern *regexp.Regexp) error {
	c.mu.Lock()
	var topics []string
	for topic := range c.partitions {
		if pattern.MatchString(topic) {
			topics = append(topics, topic)
		}
	}
	c.mu.Unlock()
	return c.Subscribe(ctx, topics)
}

// Assign consumes partitions directly; the assigned callback fires
// synchronously, matching the production adapter.
func (c *InMemoryClient) Assign(_ context.Context, partitions []TopicPartition) error {
	c.mu.Lock()
	tps := append([]TopicPartition(nil), partitions...)
	SortTopicPartitions(tps)
	for _, tp := range tps {
		c.assignment[tp] = struct{}{}
	}
	cb := c.cbs.OnAssigned
	c.mu.Unlock()

	if cb != nil {
		cb(tps)
	}
	return nil
}

// Unsubscribe revokes the live assignment synchronously.
func (c *InMemoryClient) Unsubscribe(_ context.Context) error {
	c.mu.Lock()
	tps := make([]TopicPartition, 0, len(c.assignment))
	for tp := range c.assignment {
		tps = append(tps, tp)
	}
	SortTopicPartitions(tps)
	c.assignment = map[TopicPartition]struct{}{}
	c.subscribed = map[string]struct{}{}
	c.pendingEvents = nil
	cb := c.cbs.OnRevoked
	c.mu.Unlock()

	if cb != nil && len(tps) > 0 {
		cb(tps)
	}
	return nil
}

func (c *InMemoryClient) Poll(ctx context.Context, timeout time.Duration) ([]*kgo.Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		records, delivered, err := c.pollOnce()
		if err != nil {
			return nil, err
		}
		if len(records) > 0 || delivered {
			return records, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-c.recordsAdded:
		}
	}
}

// pollOnce fires pending rebalance events and drains available records. The
// delivered return is true when a rebalance event fired, so Poll returns
// instead of waiting out its timeout, like a real poll interrupted by a
// rebalance.
func (c *InMemoryClient) pollOnce() ([]*kgo.Record, bool, error) {
	c.mu.Lock()

	if len(c.pollErrs) > 0 {
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		c.mu.Unlock()
		return nil, false, err
	}

	delivered := false
	for len(c.pendingEvents) > 0 {
		ev := c.pendingEvents[0]
		c.pendingEvents = c.pendingEvents[1:]
		delivered = true

		var cb func([]TopicPartition)
		if ev.assigned {
			for _, tp := range ev.tps {
				c.assignment[tp] = struct{}{}
			}
			cb = c.cbs.OnAssigned
		} else {
			for _, tp := range ev.tps {
				delete(c.assignment, tp)
			}
			cb = c.cbs.OnRevoked
		}

		if cb != nil {
			// Fired with the lock released so a callback touching the client
			// cannot deadlock.
			c.mu.Unlock()
			cb(ev.tps)
			c.mu.Lock()
		}
	}

	var out []*kgo.Record
	for tp := range c.assignment {
		if _, isPaused := c.paused[tp]; isPaused {
			continue
		}
		pos := c.positions[tp]
		log := c.records[tp]
		for int(pos) < len(log) && len(out) < c.maxPollRecords {
			out = append(out, log[pos])
			pos++
		}
		c.positions[tp] = pos
	}

	c.mu.Unlock()
	return out, delivered, nil
}

func (c *InMemoryClient) Commit(_ context.Context, offsets Offsets, done func(error)) {
	c.mu.Lock()

	if c.holdCommits {
		c.mu.Unlock()
		return
	}

	if len(c.commitErrs) > 0 {
		err := c.commitErrs[0]
		c.commitErrs = c.commitErrs[1:]
		if err != nil {
			c.mu.Unlock()
			done(err)
			return
		}
	}

	if c.committed[c.group] == nil {
		c.committed[c.group] = map[TopicPartition]Offset{}
	}
	for tp, o := range offsets {
		c.committed[c.group][tp] = o
	}
	c.mu.Unlock()
	done(nil)
}

func (c *InMemoryClient) Pause(partitions []TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		c.paused[tp] = struct{}{}
	}
}

func (c *InMemoryClient) Resume(partitions []TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		delete(c.paused, tp)
	}
	c.wake()
}

func (c *InMemoryClient) Seek(_ context.Context, tp TopicPartition, offset Offset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[tp] = offset.At
	c.wake()
	return nil
}

func (c *InMemoryClient) SeekToBeginning(_ context.Context, partitions []TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		c.positions[tp] = 0
	}
	c.wake()
	return nil
}

func (c *InMemoryClient) SeekToEnd(_ context.Context, partitions []TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		c.positions[tp] = int64(len(c.records[tp]))
	}
	return nil
}

func (c *InMemoryClient) Position(_ context.Context, tp TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[tp], nil
}

func (c *InMemoryClient) PartitionsFor(_ context.Context, topic string) ([]TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.partitions[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %s", topic)
	}
	var tps []TopicPartition
	for p := int32(0); p < n; p++ {
		tps = append(tps, TopicPartition{Topic: topic, Partition: p})
	}
	return tps, nil
}

func (c *InMemoryClient) BeginningOffsets(_ context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	out := map[TopicPartition]int64{}
	for _, tp := range partitions {
		out[tp] = 0
	}
	return out, nil
}

func (c *InMemoryClient) EndOffsets(_ context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[TopicPartition]int64{}
	for _, tp := range partitions {
		out[tp] = int64(len(c.records[tp]))
	}
	return out, nil
}

func (c *InMemoryClient) Metrics() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, log := range c.records {
		total += len(log)
	}
	return map[string]float64{"inmemory_records_total": float64(total)}
}

func (c *InMemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
