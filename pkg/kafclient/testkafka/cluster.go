// Package testkafka spins up in-process fake Kafka clusters for tests.
package testkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CreateCluster starts a single-broker kfake cluster seeded with topic and
// the given partition count, and tears it down with the test.
func CreateCluster(t testing.TB, numPartitions int32, topic string) (*kfake.Cluster, string) {
	t.Helper()

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(numPartitions, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)
	return cluster, addrs[0]
}

// NewWriterClient returns a kgo client suited for producing test records to
// explicit partitions.
func NewWriterClient(t testing.TB, address string) *kgo.Client {
	t.Helper()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// ProduceRecords writes values to one partition and returns the offset of the
// last record written.
func ProduceRecords(ctx context.Context, t testing.TB, client *kgo.Client, topic string, partition int32, values ...[]byte) int64 {
	t.Helper()

	var last int64
	for _, v := range values {
		rec := &kgo.Record{Topic: topic, Partition: partition, Value: v}
		require.NoError(t, client.ProduceSync(ctx, rec).FirstErr())
		last = rec.Offset
	}
	return last
}
