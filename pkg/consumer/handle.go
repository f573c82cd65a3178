package consumer

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kafstream/kafstream/pkg/kafclient"
)

// consumerHandle owns the not-thread-safe Kafka client. Every access, from
// the actor and from user-facing operations alike, runs under one mutex.
// Operations documented as safe while a poll is in flight (seek, position,
// offset listing, metrics) still serialize here; they simply wait for the
// current client call to return.
type consumerHandle struct {
	mu     sync.Mutex
	client kafclient.Client
	logger log.Logger
	closed bool
}

func newConsumerHandle(client kafclient.Client, logger log.Logger) *consumerHandle {
	return &consumerHandle{client: client, logger: logger}
}

// blocking runs op with exclusive access to the client. The caller blocks
// until the client call returns.
func (h *consumerHandle) blocking(op func(kafclient.Client) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrConsumerShutdown
	}
	return op(h.client)
}

// blockingValue is blocking for operations that return a value.
func blockingValue[T any](h *consumerHandle, op func(kafclient.Client) (T, error)) (T, error) {
	var out T
	err := h.blocking(func(c kafclient.Client) error {
		var opErr error
		out, opErr = op(c)
		return opErr
	})
	return out, err
}

// close tears the client down. Idempotent; close failures are logged and
// swallowed.
func (h *consumerHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if err := h.client.Close(); err != nil {
		level.Warn(h.logger).Log("msg", "closing kafka client", "err", err)
	}
}
