package consumer

import (
	"context"
	"fmt"
	"time"
)

// CommitSync submits offsets and returns once the broker acknowledged them,
// the commit deadline expired, or the consumer terminated. Committing a
// partition this consumer does not own is forwarded to the broker, which
// decides.
func (c *Consumer[K, V]) CommitSync(ctx context.Context, offsets Offsets) error {
	done, err := c.submitCommit(ctx, offsets)
	if err != nil {
		return err
	}

	timeout := time.NewTimer(c.cfg.CommitTimeout)
	defer timeout.Stop()

	select {
	case err := <-done:
		return err
	case <-timeout.C:
		return fmt.Errorf("committing %d partitions: %w", len(offsets), ErrCommitTimeout)
	case <-c.shutdownCh:
		return ErrConsumerShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommitAsync submits offsets and returns without waiting for the broker.
// onDone, if not nil, fires exactly once with the commit's outcome; like
// CommitSync it only reports success after broker acknowledgement.
func (c *Consumer[K, V]) CommitAsync(ctx context.Context, offsets Offsets, onDone func(error)) error {
	done, err := c.submitCommit(ctx, offsets)
	if err != nil {
		return err
	}
	if onDone == nil {
		return nil
	}

	go func() {
		timeout := time.NewTimer(c.cfg.CommitTimeout)
		defer timeout.Stop()

		select {
		case err := <-done:
			onDone(err)
		case <-timeout.C:
			onDone(fmt.Errorf("committing %d partitions: %w", len(offsets), ErrCommitTimeout))
		case <-c.shutdownCh:
			onDone(ErrConsumerShutdown)
		}
	}()
	return nil
}

func (c *Consumer[K, V]) submitCommit(ctx context.Context, offsets Offsets) (chan error, error) {
	if len(offsets) == 0 {
		done := make(chan error, 1)
		done <- nil
		return done, nil
	}

	// Copy: the caller may reuse its map, and retries re-submit this one.
	copied := make(Offsets, len(offsets))
	for tp, o := range offsets {
		copied[tp] = o
	}

	done := make(chan error, 1)
	if err := c.bus.send(ctx, c.shutdownCh, commitRequest{offsets: copied, done: done}); err != nil {
		return nil, err
	}
	return done, nil
}
