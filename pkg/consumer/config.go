package consumer

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
	"go.uber.org/multierr"

	"github.com/kafstream/kafstream/pkg/kafclient"
)

// Config holds the consumer core options on top of the client-level config.
type Config struct {
	Kafka kafclient.Config `yaml:"kafka"`

	// PollInterval is the period between polls injected while no user
	// requests are outstanding.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollTimeout bounds how long a single client poll may block.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// MaxPrefetchBatches bounds how many record chunks may be buffered per
	// partition ahead of the user: one in flight plus a queue of
	// MaxPrefetchBatches-1.
	MaxPrefetchBatches int `yaml:"max_prefetch_batches"`

	// CommitTimeout is the per-commit deadline.
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	// CommitRecovery drives retries of commits that failed with a retriable
	// broker error.
	CommitRecovery backoff.Config `yaml:"commit_recovery"`

	// RequestQueueCapacity sizes the actor's request queue. Senders block
	// only when this many requests are already waiting.
	RequestQueueCapacity int `yaml:"request_queue_capacity"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Kafka.RegisterFlagsAndApplyDefaults(prefix+".kafka", f)

	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", 50*time.Millisecond, "Period between polls while the consumer is otherwise idle.")
	f.DurationVar(&cfg.PollTimeout, prefix+".poll-timeout", 50*time.Millisecond, "Upper bound on a single client poll.")
	f.IntVar(&cfg.MaxPrefetchBatches, prefix+".max-prefetch-batches", 2, "Record chunks buffered per partition ahead of the user.")
	f.DurationVar(&cfg.CommitTimeout, prefix+".commit-timeout", 15*time.Second, "Per-commit deadline.")
	f.IntVar(&cfg.RequestQueueCapacity, prefix+".request-queue-capacity", 128, "Capacity of the actor request queue.")

	cfg.CommitRecovery = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 10,
	}
}

func (cfg *Config) Validate() error {
	var errs error
	if cfg.PollInterval <= 0 {
		errs = multierr.Append(errs, errors.New("poll_interval must be greater than 0"))
	}
	if cfg.PollTimeout < 0 {
		errs = multierr.Append(errs, errors.New("poll_timeout must not be negative"))
	}
	if cfg.MaxPrefetchBatches < 1 {
		errs = multierr.Append(errs, errors.New("max_prefetch_batches must be greater than 0"))
	}
	if cfg.CommitTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("commit_timeout must be greater than 0"))
	}
	if cfg.RequestQueueCapacity < 1 {
		errs = multierr.Append(errs, errors.New("request_queue_capacity must be greater than 0"))
	}
	return errs
}
