// Package config loads process-level conduit configuration from a YAML file
// and CONDUIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/messaging"
	"github.com/glimte/conduit-go/transport"
)

// EnvPrefix prefixes every environment override, e.g. CONDUIT_TRANSPORT_TYPE.
// Keys come from split_words; an envconfig alt tag would also match the
// unprefixed name (USERNAME, ADDR).
const EnvPrefix = "CONDUIT"

// Config represents the process configuration
type Config struct {
	// ID is the conduit id. Senders and receivers only see peers with the same id.
	ID           string             `yaml:"id" split_words:"true"`
	Transport    TransportConfig    `yaml:"transport" split_words:"true"`
	Coordination CoordinationConfig `yaml:"coordination" split_words:"true"`
	Sender       SenderConfig       `yaml:"sender" split_words:"true"`
	Receiver     ReceiverConfig     `yaml:"receiver" split_words:"true"`
	Log          LogConfig          `yaml:"log" split_words:"true"`
	Metrics      MetricsConfig      `yaml:"metrics" split_words:"true"`
}

// TransportConfig selects and reaches the message broker
type TransportConfig struct {
	Type          string        `yaml:"type" split_words:"true"`
	Servers       []string      `yaml:"servers" split_words:"true"`
	Name          string        `yaml:"name" split_words:"true"`
	Username      string        `yaml:"username" split_words:"true"`
	Password      string        `yaml:"password" split_words:"true"`
	Token         string        `yaml:"token" split_words:"true"`
	Exchange      string        `yaml:"exchange" split_words:"true"`
	MaxReconnects int           `yaml:"max_reconnects" split_words:"true"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" split_words:"true"`
}

// CoordinationConfig selects and reaches the coordination store
type CoordinationConfig struct {
	Type                    string        `yaml:"type" split_words:"true"`
	Addr                    string        `yaml:"addr" split_words:"true"`
	Username                string        `yaml:"username" split_words:"true"`
	Password                string        `yaml:"password" split_words:"true"`
	DB                      int           `yaml:"db" split_words:"true"`
	KeyPrefix               string        `yaml:"key_prefix" split_words:"true"`
	ActiveReceiversCacheTTL time.Duration `yaml:"active_receivers_cache_ttl" split_words:"true"`
}

// SenderConfig mirrors messaging.SenderConfig
type SenderConfig struct {
	DefaultTimeout           time.Duration `yaml:"default_timeout" split_words:"true"`
	MaxRetries               int           `yaml:"max_retries" split_words:"true"`
	RetryBackoff             time.Duration `yaml:"retry_backoff" split_words:"true"`
	RetryBackoffMultiplier   float64       `yaml:"retry_backoff_multiplier" split_words:"true"`
	MaxInFlight              int           `yaml:"max_in_flight" split_words:"true"`
	TopicOwnershipTTL        time.Duration `yaml:"topic_ownership_ttl" split_words:"true"`
	UnsubscribeRetryInterval time.Duration `yaml:"unsubscribe_retry_interval" split_words:"true"`
}

// ReceiverConfig mirrors messaging.ReceiverConfig plus an optional fixed id
type ReceiverConfig struct {
	ID                        string        `yaml:"id" split_words:"true"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval" split_words:"true"`
	HeartbeatTTL              time.Duration `yaml:"heartbeat_ttl" split_words:"true"`
	TopicOwnershipTTL         time.Duration `yaml:"topic_ownership_ttl" split_words:"true"`
	OwnershipRenewalInterval  time.Duration `yaml:"ownership_renewal_interval" split_words:"true"`
	MessageCacheTTL           time.Duration `yaml:"message_cache_ttl" split_words:"true"`
	MessageCacheSize          int           `yaml:"message_cache_size" split_words:"true"`
	TimeoutExtensionThreshold time.Duration `yaml:"timeout_extension_threshold" split_words:"true"`
	TimeoutExtension          time.Duration `yaml:"timeout_extension" split_words:"true"`
	TimeoutCheckInterval      time.Duration `yaml:"timeout_check_interval" split_words:"true"`
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"` // json or text
}

// MetricsConfig configures the /metrics and /healthz listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true"`
}

// Default returns the configuration used when neither file nor environment
// set a value
func Default() *Config {
	sender := messaging.DefaultSenderConfig()
	receiver := messaging.DefaultReceiverConfig()

	return &Config{
		ID: "default",
		Transport: TransportConfig{
			Type:          string(transport.TypeMemory),
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Coordination: CoordinationConfig{
			Type:                    string(coordination.TypeMemory),
			Addr:                    "localhost:6379",
			KeyPrefix:               "conduit",
			ActiveReceiversCacheTTL: time.Second,
		},
		Sender: SenderConfig{
			DefaultTimeout:           sender.DefaultTimeout,
			MaxRetries:               sender.MaxRetries,
			RetryBackoff:             sender.RetryBackoff,
			RetryBackoffMultiplier:   sender.RetryBackoffMultiplier,
			MaxInFlight:              sender.MaxInFlight,
			TopicOwnershipTTL:        sender.TopicOwnershipTTL,
			UnsubscribeRetryInterval: sender.UnsubscribeRetryInterval,
		},
		Receiver: ReceiverConfig{
			HeartbeatInterval:         receiver.HeartbeatInterval,
			HeartbeatTTL:              receiver.HeartbeatTTL,
			TopicOwnershipTTL:         receiver.TopicOwnershipTTL,
			OwnershipRenewalInterval:  receiver.OwnershipRenewalInterval,
			MessageCacheTTL:           receiver.MessageCacheTTL,
			MessageCacheSize:          receiver.MessageCacheSize,
			TimeoutExtensionThreshold: receiver.TimeoutExtensionThreshold,
			TimeoutExtension:          receiver.TimeoutExtension,
			TimeoutCheckInterval:      receiver.TimeoutCheckInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration, which
// takes precedence over Default. An empty path skips the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// no envconfig default tags: unset variables leave file values alone
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ID == "" || strings.ContainsAny(c.ID, ".*> \t") {
		return fmt.Errorf("invalid conduit id: %q", c.ID)
	}

	switch transport.Type(c.Transport.Type) {
	case transport.TypeMemory:
	case transport.TypeNATS, transport.TypeRabbitMQ:
		if len(c.Transport.Servers) == 0 {
			return fmt.Errorf("%s transport requires at least one server", c.Transport.Type)
		}
	default:
		return fmt.Errorf("unknown transport type: %q", c.Transport.Type)
	}

	switch coordination.Type(c.Coordination.Type) {
	case coordination.TypeMemory:
	case coordination.TypeRedis:
		if c.Coordination.Addr == "" {
			return fmt.Errorf("redis coordination requires an address")
		}
	default:
		return fmt.Errorf("unknown coordination type: %q", c.Coordination.Type)
	}

	if err := c.SenderConfig().Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := c.ReceiverConfig().Validate(); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

// TransportConfig converts the transport section for transport.New
func (c *Config) TransportConfig(logger *slog.Logger) transport.Config {
	return transport.Config{
		Type:          transport.Type(c.Transport.Type),
		Servers:       c.Transport.Servers,
		Name:          c.Transport.Name,
		Username:      c.Transport.Username,
		Password:      c.Transport.Password,
		Token:         c.Transport.Token,
		Exchange:      c.Transport.Exchange,
		MaxReconnects: c.Transport.MaxReconnects,
		ReconnectWait: c.Transport.ReconnectWait,
		Logger:        logger,
	}
}

// CoordinationConfig converts the coordination section for coordination.New
func (c *Config) CoordinationConfig(logger *slog.Logger) coordination.Config {
	return coordination.Config{
		Type:                    coordination.Type(c.Coordination.Type),
		ConduitID:               c.ID,
		KeyPrefix:               c.Coordination.KeyPrefix,
		Addr:                    c.Coordination.Addr,
		Username:                c.Coordination.Username,
		Password:                c.Coordination.Password,
		DB:                      c.Coordination.DB,
		ActiveReceiversCacheTTL: c.Coordination.ActiveReceiversCacheTTL,
		Logger:                  logger,
	}
}

// SenderConfig converts the sender section
func (c *Config) SenderConfig() messaging.SenderConfig {
	return messaging.SenderConfig{
		DefaultTimeout:           c.Sender.DefaultTimeout,
		MaxRetries:               c.Sender.MaxRetries,
		RetryBackoff:             c.Sender.RetryBackoff,
		RetryBackoffMultiplier:   c.Sender.RetryBackoffMultiplier,
		MaxInFlight:              c.Sender.MaxInFlight,
		TopicOwnershipTTL:        c.Sender.TopicOwnershipTTL,
		UnsubscribeRetryInterval: c.Sender.UnsubscribeRetryInterval,
	}
}

// ReceiverConfig converts the receiver section
func (c *Config) ReceiverConfig() messaging.ReceiverConfig {
	return messaging.ReceiverConfig{
		HeartbeatInterval:         c.Receiver.HeartbeatInterval,
		HeartbeatTTL:              c.Receiver.HeartbeatTTL,
		TopicOwnershipTTL:         c.Receiver.TopicOwnershipTTL,
		OwnershipRenewalInterval:  c.Receiver.OwnershipRenewalInterval,
		MessageCacheTTL:           c.Receiver.MessageCacheTTL,
		MessageCacheSize:          c.Receiver.MessageCacheSize,
		TimeoutExtensionThreshold: c.Receiver.TimeoutExtensionThreshold,
		TimeoutExtension:          c.Receiver.TimeoutExtension,
		TimeoutCheckInterval:      c.Receiver.TimeoutCheckInterval,
	}
}

// NewLogger builds a slog.Logger writing to w in the configured format
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch l.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %q", l.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q", s)
	}
	return level, nil
}
