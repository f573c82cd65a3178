package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestCommitSync(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))
	require.NoError(t, c.CommitSync(ctx, Offsets{testTP: {At: 3, Metadata: "checkpoint"}}))

	committed := client.Committed()
	require.Contains(t, committed, testTP)
	assert.Equal(t, int64(3), committed[testTP].At)
	assert.Equal(t, "checkpoint", committed[testTP].Metadata)

	// Committing the same offset again is semantically a no-op.
	require.NoError(t, c.CommitSync(ctx, Offsets{testTP: {At: 3, Metadata: "checkpoint"}}))
	assert.Equal(t, int64(3), client.Committed()[testTP].At)

	// An empty commit completes immediately.
	require.NoError(t, c.CommitSync(ctx, Offsets{}))
}

func TestCommitAsync(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	done := make(chan error, 1)
	require.NoError(t, c.CommitAsync(ctx, Offsets{testTP: {At: 7}}, func(err error) { done <- err }))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not complete")
	}
	assert.Equal(t, int64(7), client.Committed()[testTP].At)
}

func TestCommitRetriesRetriableErrors(t *testing.T) {
	c, client := newTestConsumer(t, 1, func(cfg *Config) {
		cfg.CommitRecovery.MinBackoff = time.Millisecond
		cfg.CommitRecovery.MaxBackoff = 5 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	// Two retriable failures, then the commit goes through.
	client.FailCommits(kerr.RebalanceInProgress, kerr.CoordinatorLoadInProgress)
	require.NoError(t, c.CommitSync(ctx, Offsets{testTP: {At: 5}}))
	assert.Equal(t, int64(5), client.Committed()[testTP].At)
}

func TestCommitSurfacesNonRetriableErrors(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	client.FailCommits(kerr.GroupAuthorizationFailed)
	err := c.CommitSync(ctx, Offsets{testTP: {At: 5}})
	require.ErrorIs(t, err, kerr.GroupAuthorizationFailed)

	_, ok := client.Committed()[testTP]
	assert.False(t, ok)
}

func TestCommitExhaustsRetries(t *testing.T) {
	c, client := newTestConsumer(t, 1, func(cfg *Config) {
		cfg.CommitRecovery.MinBackoff = time.Millisecond
		cfg.CommitRecovery.MaxBackoff = 2 * time.Millisecond
		cfg.CommitRecovery.MaxRetries = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	client.FailCommits(kerr.RebalanceInProgress, kerr.RebalanceInProgress, kerr.RebalanceInProgress)
	err := c.CommitSync(ctx, Offsets{testTP: {At: 5}})
	require.ErrorIs(t, err, kerr.RebalanceInProgress)
}

func TestCommitTimeout(t *testing.T) {
	c, client := newTestConsumer(t, 1, func(cfg *Config) {
		cfg.CommitTimeout = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))

	client.HoldCommits()
	err := c.CommitSync(ctx, Offsets{testTP: {At: 5}})
	require.ErrorIs(t, err, ErrCommitTimeout)
}

func TestCommitRacesShutdown(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))
	client.HoldCommits()

	done := make(chan error, 1)
	go func() {
		done <- c.CommitSync(ctx, Offsets{testTP: {At: 5}})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Terminate(context.Background()))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConsumerShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not unwind on shutdown")
	}
}

func TestCommittableOffsetCommit(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)
	addRecords(client, 0, 0, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))
	records, err := c.Records(ctx)
	require.NoError(t, err)

	var last CommittableRecord[string, string]
	for i := 0; i < 3; i++ {
		last = <-records
	}
	require.NoError(t, last.Offset.Commit(ctx))
	assert.Equal(t, int64(3), client.Committed()[testTP].At)
}

func TestCommittableOffsetBatch(t *testing.T) {
	c, client := newTestConsumer(t, 1, nil)
	addRecords(client, 0, 0, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Subscribe(ctx, testTopic))
	records, err := c.Records(ctx)
	require.NoError(t, err)

	var batch CommittableOffsetBatch
	require.NoError(t, batch.Commit(ctx), "empty batch commits as a no-op")

	for i := 0; i < 5; i++ {
		rec := <-records
		batch.Add(rec.Offset)
	}
	// Folding out of order keeps the highest next-offset.
	batch.Add(CommittableOffset{tp: testTP, next: 2, c: c})

	require.Len(t, batch.Offsets(), 1)
	require.NoError(t, batch.Commit(ctx))
	assert.Equal(t, int64(5), client.Committed()[testTP].At)
}

func TestCommitBackoffSchedule(t *testing.T) {
	cfg := testConfig().CommitRecovery
	cfg.MinBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = time.Second

	assert.Equal(t, 100*time.Millisecond, commitBackoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, commitBackoff(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, commitBackoff(cfg, 2))
	assert.Equal(t, 800*time.Millisecond, commitBackoff(cfg, 3))
	assert.Equal(t, time.Second, commitBackoff(cfg, 4))
	assert.Equal(t, time.Second, commitBackoff(cfg, 10))
}
