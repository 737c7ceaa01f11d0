package messaging

import (
	"fmt"
	"time"
)

// SenderConfig holds the tunables of a Sender.
type SenderConfig struct {
	// DefaultTimeout is the reply window used when Send is not given one.
	DefaultTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration
	// RetryBackoffMultiplier grows the delay for each further retry.
	RetryBackoffMultiplier float64
	// MaxInFlight bounds concurrent Send calls. Further calls fail immediately.
	MaxInFlight int
	// TopicOwnershipTTL is the lease TTL used when the sender assigns a topic.
	TopicOwnershipTTL time.Duration
	// UnsubscribeRetryInterval is how often failed reply unsubscriptions are retried.
	UnsubscribeRetryInterval time.Duration
}

// DefaultSenderConfig returns the default sender configuration
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		DefaultTimeout:           30 * time.Second,
		MaxRetries:               3,
		RetryBackoff:             time.Second,
		RetryBackoffMultiplier:   2,
		MaxInFlight:              1000,
		TopicOwnershipTTL:        30 * time.Second,
		UnsubscribeRetryInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for unusable values
func (c SenderConfig) Validate() error {
	switch {
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("default timeout must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries cannot be negative")
	case c.RetryBackoff < 0:
		return fmt.Errorf("retry backoff cannot be negative")
	case c.RetryBackoffMultiplier < 1:
		return fmt.Errorf("retry backoff multiplier must be at least 1")
	case c.MaxInFlight <= 0:
		return fmt.Errorf("max in-flight messages must be positive")
	case c.TopicOwnershipTTL <= 0:
		return fmt.Errorf("topic ownership ttl must be positive")
	case c.UnsubscribeRetryInterval <= 0:
		return fmt.Errorf("unsubscribe retry interval must be positive")
	}
	return nil
}

// ReceiverConfig holds the tunables of a Receiver.
type ReceiverConfig struct {
	HeartbeatInterval         time.Duration
	HeartbeatTTL              time.Duration
	TopicOwnershipTTL         time.Duration
	OwnershipRenewalInterval  time.Duration
	MessageCacheTTL           time.Duration
	MessageCacheSize          int
	TimeoutExtensionThreshold time.Duration
	// TimeoutExtension is the increment announced in each extension.
	TimeoutExtension time.Duration
	// TimeoutCheckInterval is the tick of the shared timeout checker.
	TimeoutCheckInterval time.Duration
}

// DefaultReceiverConfig returns the default receiver configuration
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		HeartbeatInterval:         5 * time.Second,
		HeartbeatTTL:              15 * time.Second,
		TopicOwnershipTTL:         30 * time.Second,
		OwnershipRenewalInterval:  10 * time.Second,
		MessageCacheTTL:           5 * time.Minute,
		MessageCacheSize:          10000,
		TimeoutExtensionThreshold: 5 * time.Second,
		TimeoutExtension:          10 * time.Second,
		TimeoutCheckInterval:      time.Second,
	}
}

// Validate checks the configuration for unusable values
func (c ReceiverConfig) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive")
	case c.HeartbeatTTL <= c.HeartbeatInterval:
		return fmt.Errorf("heartbeat ttl must exceed the heartbeat interval")
	case c.TopicOwnershipTTL <= 0:
		return fmt.Errorf("topic ownership ttl must be positive")
	case c.OwnershipRenewalInterval <= 0 || c.OwnershipRenewalInterval >= c.TopicOwnershipTTL:
		return fmt.Errorf("ownership renewal interval must be positive and shorter than the ownership ttl")
	case c.MessageCacheTTL <= 0:
		return fmt.Errorf("message cache ttl must be positive")
	case c.MessageCacheSize <= 0:
		return fmt.Errorf("message cache size must be positive")
	case c.TimeoutExtensionThreshold < 0:
		return fmt.Errorf("timeout extension threshold cannot be negative")
	case c.TimeoutExtension <= 0:
		return fmt.Errorf("timeout extension must be positive")
	case c.TimeoutCheckInterval <= 0:
		return fmt.Errorf("timeout check interval must be positive")
	}
	return nil
}
