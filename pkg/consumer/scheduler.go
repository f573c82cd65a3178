package consumer

import (
	"context"
	"time"
)

// pollScheduler injects one poll token per interval. The polls channel has
// capacity 1: when the actor falls behind, the offer blocks and the schedule
// stretches instead of queueing polls.
type pollScheduler struct {
	interval time.Duration
	polls    chan<- struct{}
}

func (s *pollScheduler) run(ctx context.Context) error {
	for {
		select {
		case s.polls <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		select {
		case <-time.After(s.interval):
		case <-ctx.Done():
			return nil
		}
	}
}
