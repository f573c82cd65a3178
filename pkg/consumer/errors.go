package consumer

import (
	"context"
	"errors"
	"fmt"
)

// ErrConsumerShutdown is returned by operations still waiting when the
// consumer terminates.
var ErrConsumerShutdown = errors.New("consumer has shut down")

// ErrCommitTimeout is returned when a commit misses its deadline. It wraps
// context.DeadlineExceeded so callers can match either. The broker call is
// left to resolve; its late completion is dropped.
var ErrCommitTimeout = fmt.Errorf("commit timed out: %w", context.DeadlineExceeded)

// DeserializationError reports a record whose key or value failed to decode.
type DeserializationError struct {
	Topic     string
	Partition int32
	Offset    int64
	IsKey     bool
	Cause     error
}

func (e *DeserializationError) Error() string {
	what := "value"
	if e.IsKey {
		what = "key"
	}
	return fmt.Sprintf("deserializing %s of %s/%d offset %d: %v", what, e.Topic, e.Partition, e.Offset, e.Cause)
}

func (e *DeserializationError) Unwrap() error { return e.Cause }
