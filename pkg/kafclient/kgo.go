package kafclient

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kprom"
)

// KGoClient implements Client on top of a franz-go consumer.
//
// The kgo client is created lazily on the first Subscribe, SubscribePattern
// or Assign call, because that is the moment group management vs. direct
// partition consumption is decided. Like every Client implementation it must
// be driven from a single goroutine; kgo however fires the group rebalance
// callbacks from its own group-management goroutine, concurrently with that
// driver, so the assignment and position bookkeeping shared with those
// callbacks sits behind a mutex.
type KGoClient struct {
	cfg    Config
	logger log.Logger

	metrics  *kprom.Metrics
	registry *prometheus.Registry

	client *kgo.Client
	admin  *kadm.Client

	cbs RebalanceCallbacks

	// mu guards assignment, positions and closing, which kgo's rebalance
	// callbacks touch from outside the driving goroutine.
	mu         sync.Mutex
	assignment map[TopicPartition]struct{}
	positions  map[TopicPartition]int64

	// closing suppresses rebalance callbacks fired by kgo while the client is
	// being torn down; Unsubscribe synthesizes a single revoke instead.
	closing bool
	closed  bool
}

var _ Client = (*KGoClient)(nil)

// NewKGoClient builds an unconnected client. The connection is established on
// the first subscribe/assign.
func NewKGoClient(cfg Config, logger log.Logger) (*KGoClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid kafka config")
	}

	registry := prometheus.NewRegistry()
	return &KGoClient{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		metrics:    kprom.NewMetrics("kafstream_client", kprom.Registerer(registry)),
		assignment: map[TopicPartition]struct{}{},
		positions:  map[TopicPartition]int64{},
	}, nil
}

func (c *KGoClient) commonOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.cfg.Address),
		kgo.ClientID(c.cfg.ClientID),
		kgo.DialTimeout(c.cfg.DialTimeout),
		kgo.FetchMaxBytes(int32(c.cfg.FetchMaxBytes)),
		kgo.FetchMaxPartitionBytes(int32(c.cfg.FetchMaxPartitionBytes)),
		kgo.WithHooks(c.metrics),
		kgo.WithLogger(newKgoLogger(c.logger)),
	}

	switch c.cfg.ConsumeFrom {
	case consumeFromLatest:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		// Committed offsets win under group management; this only decides the
		// position for partitions with no committed offset.
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	if c.cfg.SASLUsername != "" {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: c.cfg.SASLUsername,
			Pass: c.cfg.SASLPassword.String(),
		}.AsMechanism()))
	}

	return opts
}

func (c *KGoClient) groupOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ConsumerGroup(c.cfg.ConsumerGroup),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	}
	if c.cfg.ConsumerGroupInstance != "" {
		opts = append(opts, kgo.InstanceID(c.cfg.ConsumerGroupInstance))
	}
	return opts
}

// onAssigned and onRevoked run on kgo's group-management goroutine.
func (c *KGoClient) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := flattenPartitions(assigned)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	for _, tp := range tps {
		c.assignment[tp] = struct{}{}
	}
	c.mu.Unlock()

	if c.cbs.OnAssigned != nil {
		c.cbs.OnAssigned(tps)
	}
}

func (c *KGoClient) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps := flattenPartitions(revoked)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	for _, tp := range tps {
		delete(c.assignment, tp)
		delete(c.positions, tp)
	}
	c.mu.Unlock()

	if c.cbs.OnRevoked != nil {
		c.cbs.OnRevoked(tps)
	}
}

func (c *KGoClient) SetRebalanceCallbacks(cbs RebalanceCallbacks) {
	c.cbs = cbs
}

func (c *KGoClient) Subscribe(_ context.Context, topics []string) error {
	if c.cfg.ConsumerGroup == "" {
		return errors.New("subscribe requires a consumer group")
	}
	if err := c.teardownConsumer(); err != nil {
		return err
	}

	opts := append(c.commonOpts(), c.groupOpts()...)
	opts = append(opts, kgo.ConsumeTopics(topics...))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	c.client = client
	level.Debug(c.logger).Log("msg", "subscribed", "topics", len(topics), "group", c.cfg.ConsumerGroup)
	return nil
}

func (c *KGoClient) SubscribePattern(_ context.Context, pattern *regexp.Regexp) error {
	if c.cfg.ConsumerGroup == "" {
		return errors.New("subscribe requires a consumer group")
	}
	if err := c.teardownConsumer(); err != nil {
		return err
	}

	opts := append(c.commonOpts(), c.groupOpts()...)
	opts = append(opts, kgo.ConsumeTopics(pattern.String()), kgo.ConsumeRegex())

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	c.client = client
	level.Debug(c.logger).Log("msg", "subscribed", "pattern", pattern.String(), "group", c.cfg.ConsumerGroup)
	return nil
}

// Assign consumes the given partitions directly, outside group management.
// kgo fires no group callbacks for direct consumption, so the assigned
// callback is synthesized here, on the calling goroutine.
func (c *KGoClient) Assign(_ context.Context, partitions []TopicPartition) error {
	if err := c.teardownConsumer(); err != nil {
		return err
	}

	consume := map[string]map[int32]kgo.Offset{}
	start := kgo.NewOffset().AtStart()
	if c.cfg.ConsumeFrom == consumeFromLatest {
		start = kgo.NewOffset().AtEnd()
	}
	for _, tp := range partitions {
		if consume[tp.Topic] == nil {
			consume[tp.Topic] = map[int32]kgo.Offset{}
		}
		consume[tp.Topic][tp.Partition] = start
	}

	opts := append(c.commonOpts(), kgo.ConsumePartitions(consume))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	c.client = client

	tps := append([]TopicPartition(nil), partitions...)
	SortTopicPartitions(tps)
	c.mu.Lock()
	for _, tp := range tps {
		c.assignment[tp] = struct{}{}
	}
	c.mu.Unlock()
	if c.cbs.OnAssigned != nil {
		c.cbs.OnAssigned(tps)
	}
	return nil
}

func (c *KGoClient) Unsubscribe(_ context.Context) error {
	return c.teardownConsumer()
}

// teardownConsumer closes the current kgo client, if any, delivering exactly
// one revoke callback for the live assignment. kgo may fire its own revoked
// or lost callback while leaving the group during Close; the closing flag
// swallows those.
func (c *KGoClient) teardownConsumer() error {
	if c.client == nil {
		return nil
	}

	revoked := c.currentAssignment()

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.client.Close()

	c.mu.Lock()
	c.closing = false
	c.assignment = map[TopicPartition]struct{}{}
	c.positions = map[TopicPartition]int64{}
	c.mu.Unlock()

	c.client = nil
	c.admin = nil

	if len(revoked) > 0 && c.cbs.OnRevoked != nil {
		c.cbs.OnRevoked(revoked)
	}
	return nil
}

func (c *KGoClient) currentAssignment() []TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()

	tps := make([]TopicPartition, 0, len(c.assignment))
	for tp := range c.assignment {
		tps = append(tps, tp)
	}
	SortTopicPartitions(tps)
	return tps
}

func (c *KGoClient) Poll(ctx context.Context, timeout time.Duration) ([]*kgo.Record, error) {
	if c.client == nil {
		return nil, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.client.PollFetches(pollCtx)
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		if errors.Is(fe.Err, kgo.ErrClientClosed) {
			return nil, kgo.ErrClientClosed
		}
		return nil, errors.Wrapf(fe.Err, "fetching %s/%d", fe.Topic, fe.Partition)
	}

	var records []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, r)
	})

	c.mu.Lock()
	for _, r := range records {
		c.positions[TopicPartition{Topic: r.Topic, Partition: r.Partition}] = r.Offset + 1
	}
	c.mu.Unlock()

	return records, nil
}

// Commit submits offsets asynchronously; done fires with the broker verdict,
// possibly from a kgo-internal goroutine. kgo's group commit carries no
// per-offset metadata, so any metadata in offsets is dropped here.
func (c *KGoClient) Commit(ctx context.Context, offsets Offsets, done func(error)) {
	if c.client == nil {
		done(errors.New("not subscribed"))
		return
	}
	for tp, o := range offsets {
		if o.Metadata != "" {
			level.Debug(c.logger).Log("msg", "dropping commit metadata, not supported by client", "topic", tp.Topic, "partition", tp.Partition)
			break
		}
	}

	uncommitted := map[string]map[int32]kgo.EpochOffset{}
	for tp, o := range offsets {
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = map[int32]kgo.EpochOffset{}
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: o.LeaderEpoch, Offset: o.At}
	}

	c.client.CommitOffsets(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err == nil && resp != nil {
			err = firstCommitError(resp)
		}
		done(err)
	})
}

func firstCommitError(resp *kmsg.OffsetCommitResponse) error {
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *KGoClient) Pause(partitions []TopicPartition) {
	if c.client == nil {
		return
	}
	c.client.PauseFetchPartitions(groupPartitions(partitions))
}

func (c *KGoClient) Resume(partitions []TopicPartition) {
	if c.client == nil {
		return
	}
	c.client.ResumeFetchPartitions(groupPartitions(partitions))
}

func (c *KGoClient) Seek(_ context.Context, tp TopicPartition, offset Offset) error {
	if c.client == nil {
		return errors.New("not subscribed")
	}
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: offset.LeaderEpoch, Offset: offset.At}},
	})
	c.mu.Lock()
	c.positions[tp] = offset.At
	c.mu.Unlock()
	return nil
}

func (c *KGoClient) SeekToBeginning(ctx context.Context, partitions []TopicPartition) error {
	return c.seekToBoundary(ctx, partitions, true)
}

func (c *KGoClient) SeekToEnd(ctx context.Context, partitions []TopicPartition) error {
	return c.seekToBoundary(ctx, partitions, false)
}

func (c *KGoClient) seekToBoundary(ctx context.Context, partitions []TopicPartition, beginning bool) error {
	var (
		offsets map[TopicPartition]int64
		err     error
	)
	if beginning {
		offsets, err = c.BeginningOffsets(ctx, partitions)
	} else {
		offsets, err = c.EndOffsets(ctx, partitions)
	}
	if err != nil {
		return err
	}
	for _, tp := range partitions {
		if err := c.Seek(ctx, tp, Offset{At: offsets[tp], LeaderEpoch: -1}); err != nil {
			return err
		}
	}
	return nil
}

// Position reports the offset of the next record that will be fetched for the
// partition: the position tracked from polls and seeks when known, otherwise
// the group's committed offset, otherwise the start of the partition.
func (c *KGoClient) Position(ctx context.Context, tp TopicPartition) (int64, error) {
	c.mu.Lock()
	pos, ok := c.positions[tp]
	c.mu.Unlock()
	if ok {
		return pos, nil
	}

	adm, err := c.adminClient()
	if err != nil {
		return 0, err
	}

	if c.cfg.ConsumerGroup != "" {
		committed, err := adm.FetchOffsetsForTopics(ctx, c.cfg.ConsumerGroup, tp.Topic)
		if err == nil {
			if o, ok := committed.Lookup(tp.Topic, tp.Partition); ok && o.At >= 0 {
				return o.At, nil
			}
		}
	}

	start, err := c.BeginningOffsets(ctx, []TopicPartition{tp})
	if err != nil {
		return 0, err
	}
	return start[tp], nil
}

func (c *KGoClient) PartitionsFor(ctx context.Context, topic string) ([]TopicPartition, error) {
	adm, err := c.adminClient()
	if err != nil {
		return nil, err
	}
	details, err := adm.ListTopics(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "listing topic %s", topic)
	}
	if err := details.Error(); err != nil {
		return nil, errors.Wrapf(err, "listing topic %s", topic)
	}

	var tps []TopicPartition
	for _, p := range details[topic].Partitions.Numbers() {
		tps = append(tps, TopicPartition{Topic: topic, Partition: p})
	}
	SortTopicPartitions(tps)
	return tps, nil
}

func (c *KGoClient) BeginningOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	return c.listOffsets(ctx, partitions, true)
}

func (c *KGoClient) EndOffsets(ctx context.Context, partitions []TopicPartition) (map[TopicPartition]int64, error) {
	return c.listOffsets(ctx, partitions, false)
}

func (c *KGoClient) listOffsets(ctx context.Context, partitions []TopicPartition, start bool) (map[TopicPartition]int64, error) {
	adm, err := c.adminClient()
	if err != nil {
		return nil, err
	}

	topics := map[string]struct{}{}
	for _, tp := range partitions {
		topics[tp.Topic] = struct{}{}
	}
	names := make([]string, 0, len(topics))
	for t := range topics {
		names = append(names, t)
	}

	var listed kadm.ListedOffsets
	if start {
		listed, err = adm.ListStartOffsets(ctx, names...)
	} else {
		listed, err = adm.ListEndOffsets(ctx, names...)
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing offsets")
	}
	if err := listed.Error(); err != nil {
		return nil, errors.Wrap(err, "listing offsets")
	}

	out := make(map[TopicPartition]int64, len(partitions))
	for _, tp := range partitions {
		if o, ok := listed.Lookup(tp.Topic, tp.Partition); ok {
			out[tp] = o.Offset
		}
	}
	return out, nil
}

// Metrics flattens the kprom-collected client metrics into name → value,
// summing across label sets.
func (c *KGoClient) Metrics() map[string]float64 {
	families, err := c.registry.Gather()
	if err != nil {
		level.Warn(c.logger).Log("msg", "gathering client metrics", "err", err)
		return nil
	}

	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				total += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += m.GetHistogram().GetSampleSum()
			case dto.MetricType_SUMMARY:
				total += m.GetSummary().GetSampleSum()
			}
		}
		out[mf.GetName()] = total
	}
	return out
}

func (c *KGoClient) adminClient() (*kadm.Client, error) {
	if c.admin != nil {
		return c.admin, nil
	}
	if c.client == nil {
		// No consuming client yet: metadata operations still work over a bare
		// connection to the seed brokers.
		client, err := kgo.NewClient(c.commonOpts()...)
		if err != nil {
			return nil, errors.Wrap(err, "creating kafka client")
		}
		c.client = client
	}
	c.admin = kadm.NewClient(c.client)
	return c.admin, nil
}

func (c *KGoClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

func flattenPartitions(byTopic map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, parts := range byTopic {
		for _, p := range parts {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	SortTopicPartitions(tps)
	return tps
}

func groupPartitions(tps []TopicPartition) map[string][]int32 {
	out := map[string][]int32{}
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

// kgoLogger adapts a go-kit logger to kgo's logging interface.
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgo.Logger {
	return kgoLogger{logger: logger}
}

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	kv := append([]any{"msg", msg}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(kv...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(kv...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(kv...)
	default:
		level.Info(l.logger).Log(kv...)
	}
}
