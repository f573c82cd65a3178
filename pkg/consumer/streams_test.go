package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionsMapStreamRebalance(t *testing.T) {
	c, client := newTestConsumer(t, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	maps, err := c.PartitionsMapStream(ctx)
	require.NoError(t, err)

	// Bootstrap map: nothing assigned yet.
	first := <-maps
	assert.Empty(t, first)

	require.NoError(t, c.Subscribe(ctx, testTopic))

	// The group join delivers both partitions.
	second := <-maps
	require.Len(t, second, 2)
	tp0 := TopicPartition{Topic: testTopic, Partition: 0}
	tp1 := TopicPartition{Topic: testTopic, Partition: 1}
	require.Contains(t, second, tp0)
	require.Contains(t, second, tp1)

	// Records flow on the per-partition streams.
	addRecords(client, 0, 0, 3)
	recs := collectRecords(t, second[tp0], 3)
	assert.Equal(t, int64(0), recs[0].Record.Offset)
	assert.Equal(t, int64(2), recs[2].Record.Offset)

	// Revoking partition 0 terminates its stream, no later than its next
	// fetch cycle, and leaves partition 1 alone.
	client.ScriptRevoke(tp0)
	_, open := <-second[tp0].Chunks()
	assert.False(t, open, "revoked partition stream must terminate")

	// A re-assignment yields a fresh incarnation in a new map.
	client.ScriptAssign(tp0)
	third := <-maps
	require.Len(t, third, 1)
	require.Contains(t, third, tp0)
	require.NotSame(t, second[tp0], third[tp0])

	addRecords(client, 0, 3, 4)
	recs = collectRecords(t, third[tp0], 1)
	assert.Equal(t, int64(3), recs[0].Record.Offset)
}

// collectRecords receives from a partition stream until n records arrived.
func collectRecords(t *testing.T, ps *PartitionStream[string, string], n int) []CommittableRecord[string, string] {
	t.Helper()

	var out []CommittableRecord[string, string]
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case chunk, open := <-ps.Chunks():
			require.True(t, open, "stream ended after %d of %d records", len(out), n)
			out = append(out, chunk...)
		case <-timeout:
			t.Fatalf("timed out after %d of %d records", len(out), n)
		}
	}
	require.Len(t, out, n)
	return out
}

func TestBackpressurePausesPartition(t *testing.T) {
	c, client := newTestConsumer(t, 1, func(cfg *Config) {
		cfg.MaxPrefetchBatches = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	maps, err := c.PartitionsMapStream(ctx)
	require.NoError(t, err)
	<-maps // bootstrap

	require.NoError(t, c.Subscribe(ctx, testTopic))
	m := <-maps
	require.Contains(t, m, testTP)
	stream := m[testTP]

	// Produce while nobody consumes: after at most one in-flight chunk, the
	// partition must be paused at the client and memory stays bounded.
	addRecords(client, 0, 0, 100)
	require.Eventually(t, func() bool {
		return client.Paused(testTP)
	}, 2*time.Second, 5*time.Millisecond, "partition must be paused without demand")

	// Consuming drains everything, contiguously, and resumes the partition.
	var offsets []int64
	for len(offsets) < 100 {
		chunk := <-stream.Chunks()
		for _, rec := range chunk {
			offsets = append(offsets, rec.Record.Offset)
		}
	}
	for i, o := range offsets {
		require.Equal(t, int64(i), o)
	}
}

func TestSecondStreamTakesOver(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	mapsA, err := c.PartitionsMapStream(ctx)
	require.NoError(t, err)
	var streamA *PartitionStream[string, string]
	for m := range mapsA {
		if ps, ok := m[testTP]; ok {
			streamA = ps
			break
		}
	}
	require.NotNil(t, streamA)

	// A second top-level stream invalidates the first one's fetches.
	mapsB, err := c.PartitionsMapStream(ctx)
	require.NoError(t, err)
	var streamB *PartitionStream[string, string]
	for m := range mapsB {
		if ps, ok := m[testTP]; ok {
			streamB = ps
			break
		}
	}
	require.NotNil(t, streamB)

	_, open := <-streamA.Chunks()
	assert.False(t, open, "superseded partition stream must terminate")

	addRecords(client, 0, 0, 2)
	recs := collectRecords(t, streamB, 2)
	assert.Equal(t, int64(0), recs[0].Record.Offset)
	assert.Equal(t, int64(1), recs[1].Record.Offset)
}

func TestPartitionStreamCloseEndsDemand(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)
	addRecords(client, 0, 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	parts, err := c.PartitionedStream(ctx)
	require.NoError(t, err)
	stream := <-parts

	chunk := <-stream.Chunks()
	require.Len(t, chunk, 1)

	stream.Close()
	_, open := <-stream.Chunks()
	assert.False(t, open)
}

func TestAssignmentStreamEmitsDistinctSnapshots(t *testing.T) {
	c, client := newTestConsumer(t, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assignments, err := c.AssignmentStream(ctx)
	require.NoError(t, err)

	// Initial snapshot before any subscription.
	first := <-assignments
	assert.Empty(t, first)

	require.NoError(t, c.Subscribe(ctx, testTopic))
	second := <-assignments
	require.Len(t, second, 2)
	assert.True(t, second[0].Less(second[1]))

	tp0 := second[0]
	client.ScriptRevoke(tp0)
	third := <-assignments
	require.Len(t, third, 1)
	assert.NotContains(t, third, tp0)

	// Re-assigning the partition emits the full assignment again, which
	// differs from its predecessor.
	client.ScriptAssign(tp0)
	fourth := <-assignments
	require.Len(t, fourth, 2)
}

func TestAssignmentSnapshotOrdering(t *testing.T) {
	c, _ := newTestConsumer(t, 3, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))
	require.Eventually(t, func() bool {
		tps, err := c.Assignment(ctx)
		return err == nil && len(tps) == 3
	}, 2*time.Second, 5*time.Millisecond)

	tps, err := c.Assignment(ctx)
	require.NoError(t, err)
	for i := 1; i < len(tps); i++ {
		assert.True(t, tps[i-1].Less(tps[i]))
	}
}
