package consumer

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("consumer", &flag.FlagSet{})

	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, 2, cfg.MaxPrefetchBatches)
	assert.Equal(t, 15*time.Second, cfg.CommitTimeout)
	assert.Equal(t, 10, cfg.CommitRecovery.MaxRetries)
	assert.Equal(t, 128, cfg.RequestQueueCapacity)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		expectedErr  string
	}{
		{
			name:         "valid config",
			modifyConfig: func(_ *Config) {},
		},
		{
			name: "zero poll interval",
			modifyConfig: func(cfg *Config) {
				cfg.PollInterval = 0
			},
			expectedErr: "poll_interval must be greater than 0",
		},
		{
			name: "negative poll timeout",
			modifyConfig: func(cfg *Config) {
				cfg.PollTimeout = -time.Second
			},
			expectedErr: "poll_timeout must not be negative",
		},
		{
			name: "zero prefetch batches",
			modifyConfig: func(cfg *Config) {
				cfg.MaxPrefetchBatches = 0
			},
			expectedErr: "max_prefetch_batches must be greater than 0",
		},
		{
			name: "zero commit timeout",
			modifyConfig: func(cfg *Config) {
				cfg.CommitTimeout = 0
			},
			expectedErr: "commit_timeout must be greater than 0",
		},
		{
			name: "zero request queue capacity",
			modifyConfig: func(cfg *Config) {
				cfg.RequestQueueCapacity = 0
			},
			expectedErr: "request_queue_capacity must be greater than 0",
		},
		{
			name: "multiple errors reported together",
			modifyConfig: func(cfg *Config) {
				cfg.PollInterval = 0
				cfg.MaxPrefetchBatches = 0
			},
			expectedErr: "poll_interval must be greater than 0; max_prefetch_batches must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.RegisterFlagsAndApplyDefaults("consumer", &flag.FlagSet{})
			tt.modifyConfig(&cfg)

			err := cfg.Validate()
			if tt.expectedErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestConfigYAML(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("consumer", &flag.FlagSet{})

	in := `
kafka:
  address: localhost:9092
  consumer_group: readers
poll_interval: 25ms
max_prefetch_batches: 4
commit_timeout: 30s
`
	require.NoError(t, yaml.Unmarshal([]byte(in), &cfg))

	assert.Equal(t, "localhost:9092", cfg.Kafka.Address)
	assert.Equal(t, "readers", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxPrefetchBatches)
	assert.Equal(t, 30*time.Second, cfg.CommitTimeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, 50*time.Millisecond, cfg.PollTimeout)
	require.NoError(t, cfg.Validate())
}
