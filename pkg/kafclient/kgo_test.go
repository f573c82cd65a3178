package kafclient_test

import (
	"context"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kafstream/kafstream/pkg/kafclient"
	"github.com/kafstream/kafstream/pkg/kafclient/testkafka"
)

const (
	testTopic = "client-test-topic"
	testGroup = "client-test-group"
)

func testClientConfig(address string) kafclient.Config {
	cfg := kafclient.Config{}
	cfg.RegisterFlagsAndApplyDefaults("kafka", &flag.FlagSet{})
	cfg.Address = address
	cfg.ConsumerGroup = testGroup
	return cfg
}

func newTestClient(t *testing.T, address string) *kafclient.KGoClient {
	t.Helper()

	client, err := kafclient.NewKGoClient(testClientConfig(address), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// pollUntil drives the client until want records arrived or the deadline
// passed.
func pollUntil(ctx context.Context, t *testing.T, client *kafclient.KGoClient, want int) []string {
	t.Helper()

	var values []string
	deadline := time.Now().Add(20 * time.Second)
	for len(values) < want && time.Now().Before(deadline) {
		records, err := client.Poll(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		for _, r := range records {
			values = append(values, string(r.Value))
		}
	}
	require.GreaterOrEqual(t, len(values), want, "timed out waiting for records")
	return values
}

func TestKGoClientSubscribePollCommit(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testTopic)
	writer := testkafka.NewWriterClient(t, address)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newTestClient(t, address)

	var assigned, revoked []kafclient.TopicPartition
	client.SetRebalanceCallbacks(kafclient.RebalanceCallbacks{
		OnAssigned: func(tps []kafclient.TopicPartition) { assigned = append(assigned, tps...) },
		OnRevoked:  func(tps []kafclient.TopicPartition) { revoked = append(revoked, tps...) },
	})

	require.NoError(t, client.Subscribe(ctx, []string{testTopic}))

	var values [][]byte
	for i := 0; i < 3; i++ {
		values = append(values, []byte(fmt.Sprintf("v%d", i)))
	}
	testkafka.ProduceRecords(ctx, t, writer, testTopic, 0, values...)

	got := pollUntil(ctx, t, client, 3)
	assert.Equal(t, []string{"v0", "v1", "v2"}, got)

	// The group join surfaced through the assigned callback, which kgo fires
	// from its group-management goroutine.
	tp := kafclient.TopicPartition{Topic: testTopic, Partition: 0}
	require.Contains(t, assigned, tp)

	// Position advanced past the polled records.
	pos, err := client.Position(ctx, tp)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	// Commit completes with the broker's verdict.
	done := make(chan error, 1)
	client.Commit(ctx, kafclient.Offsets{tp: {At: 3}}, func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("commit did not complete")
	}

	// Unsubscribe synthesizes exactly one revocation for the live assignment.
	require.NoError(t, client.Unsubscribe(ctx))
	assert.Equal(t, []kafclient.TopicPartition{tp}, revoked)
}

func TestKGoClientMetadataOperations(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 3, testTopic)
	writer := testkafka.NewWriterClient(t, address)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	testkafka.ProduceRecords(ctx, t, writer, testTopic, 1, []byte("a"), []byte("b"))

	// Metadata works before any subscription, over a bare connection.
	client := newTestClient(t, address)

	tps, err := client.PartitionsFor(ctx, testTopic)
	require.NoError(t, err)
	require.Len(t, tps, 3)
	assert.Equal(t, kafclient.TopicPartition{Topic: testTopic, Partition: 0}, tps[0])

	begin, err := client.BeginningOffsets(ctx, tps)
	require.NoError(t, err)
	assert.Equal(t, int64(0), begin[tps[1]])

	end, err := client.EndOffsets(ctx, tps)
	require.NoError(t, err)
	assert.Equal(t, int64(2), end[tps[1]])
	assert.Equal(t, int64(0), end[tps[0]])
}

func TestKGoClientSeek(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testTopic)
	writer := testkafka.NewWriterClient(t, address)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var values [][]byte
	for i := 0; i < 5; i++ {
		values = append(values, []byte(fmt.Sprintf("v%d", i)))
	}
	testkafka.ProduceRecords(ctx, t, writer, testTopic, 0, values...)

	client := newTestClient(t, address)
	client.SetRebalanceCallbacks(kafclient.RebalanceCallbacks{})
	require.NoError(t, client.Subscribe(ctx, []string{testTopic}))

	// Consume everything once, then rewind.
	pollUntil(ctx, t, client, 5)

	tp := kafclient.TopicPartition{Topic: testTopic, Partition: 0}
	require.NoError(t, client.Seek(ctx, tp, kafclient.Offset{At: 2, LeaderEpoch: -1}))

	pos, err := client.Position(ctx, tp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)

	got := pollUntil(ctx, t, client, 3)
	assert.Equal(t, "v2", got[0])
}

func TestKGoClientMetrics(t *testing.T) {
	_, address := testkafka.CreateCluster(t, 1, testTopic)

	client := newTestClient(t, address)
	metrics := client.Metrics()
	assert.NotNil(t, metrics)
}

func TestKGoClientSubscribeRequiresGroup(t *testing.T) {
	cfg := kafclient.Config{}
	cfg.RegisterFlagsAndApplyDefaults("kafka", &flag.FlagSet{})
	cfg.Address = "localhost:1"

	client, err := kafclient.NewKGoClient(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	err = client.Subscribe(context.Background(), []string{testTopic})
	require.ErrorContains(t, err, "consumer group")
}
