package kafclient

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

const (
	consumeFromLastOffset = "last-offset"
	consumeFromEarliest   = "earliest"
	consumeFromLatest     = "latest"
)

// Config holds the connection-level options for the underlying Kafka client.
type Config struct {
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ConsumerGroup         string `yaml:"consumer_group"`
	ConsumerGroupInstance string `yaml:"consumer_group_instance"`

	// ConsumeFrom decides where a partition with no committed offset starts.
	ConsumeFrom string `yaml:"consume_from"`

	FetchMaxBytes          int `yaml:"fetch_max_bytes"`
	FetchMaxPartitionBytes int `yaml:"fetch_max_partition_bytes"`

	SASLUsername string         `yaml:"sasl_username"`
	SASLPassword flagext.Secret `yaml:"sasl_password"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "", "Kafka broker address to connect to.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "kafstream", "Client ID sent to the broker.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 2*time.Second, "Timeout for connecting to a broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "Timeout for broker writes.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "", "Consumer group to join on subscribe. Empty disables group management.")
	f.StringVar(&cfg.ConsumerGroupInstance, prefix+".consumer-group-instance", "", "Static group instance ID.")
	f.StringVar(&cfg.ConsumeFrom, prefix+".consume-from", consumeFromLastOffset, fmt.Sprintf("Start position when no offset is committed. Supported values: %s, %s, %s.", consumeFromLastOffset, consumeFromEarliest, consumeFromLatest))
	f.IntVar(&cfg.FetchMaxBytes, prefix+".fetch-max-bytes", 100_000_000, "Maximum bytes per fetch request.")
	f.IntVar(&cfg.FetchMaxPartitionBytes, prefix+".fetch-max-partition-bytes", 50_000_000, "Maximum bytes fetched per partition per request.")
	f.StringVar(&cfg.SASLUsername, prefix+".sasl-username", "", "SASL PLAIN username.")
	f.Var(&cfg.SASLPassword, prefix+".sasl-password", "SASL PLAIN password.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return errors.New("address must be set")
	}
	switch cfg.ConsumeFrom {
	case consumeFromLastOffset, consumeFromEarliest, consumeFromLatest:
	default:
		return fmt.Errorf("consume_from %q is not supported", cfg.ConsumeFrom)
	}
	if cfg.FetchMaxBytes <= 0 {
		return errors.New("fetch_max_bytes must be greater than 0")
	}
	if cfg.FetchMaxPartitionBytes <= 0 {
		return errors.New("fetch_max_partition_bytes must be greater than 0")
	}
	return nil
}
