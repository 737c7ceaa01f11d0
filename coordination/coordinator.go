// Package coordination holds the shared state conduit needs across processes:
// receiver liveness records and topic ownership leases.
//
// Every implementation must make claim, renew and release atomic. A lease is
// only ever extended or deleted by the receiver id stored in it.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("coordination: coordinator is closed")

	// ErrInvalidTTL is returned when a lease or registration TTL is not positive.
	ErrInvalidTTL = errors.New("coordination: ttl must be positive")

	// ErrInvalidArgument is returned for empty receiver ids or topics.
	ErrInvalidArgument = errors.New("coordination: invalid argument")
)

// Type represents the backend of a Coordinator.
type Type string

const (
	// TypeMemory keeps state in process maps (single process only).
	TypeMemory Type = "memory"

	// TypeRedis keeps state in Redis and is safe across processes.
	TypeRedis Type = "redis"
)

// Coordinator is the store of receiver liveness and topic leases for one conduit.
type Coordinator interface {
	// RegisterReceiver creates or refreshes a liveness record that expires after ttl.
	RegisterReceiver(ctx context.Context, receiverID string, ttl time.Duration) error

	// UnregisterReceiver removes a liveness record.
	UnregisterReceiver(ctx context.Context, receiverID string) error

	// GetActiveReceivers lists receivers whose registration has not expired.
	GetActiveReceivers(ctx context.Context) ([]string, error)

	// ClaimTopicOwnership creates the lease if absent. It reports true only
	// when this call created it.
	ClaimTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error)

	// GetTopicOwner returns the current lease holder, or "" if the topic is unowned.
	GetTopicOwner(ctx context.Context, topic string) (string, error)

	// ReleaseTopicOwnership deletes the lease if receiverID still holds it.
	ReleaseTopicOwnership(ctx context.Context, topic, receiverID string) error

	// RenewTopicOwnership extends the lease if receiverID still holds it.
	RenewTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error)

	// Close releases resources held by the coordinator.
	Close() error
}

// Pinger is implemented by coordinators that can verify their backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config selects and configures a Coordinator.
type Config struct {
	Type Type

	// ConduitID namespaces every key so several conduits can share one store.
	ConduitID string

	// KeyPrefix is the first key segment. Defaults to "conduit".
	KeyPrefix string

	// Redis connection. RedisClient takes precedence over Addr and is not
	// closed by the coordinator.
	RedisClient *redis.Client
	Addr        string
	Username    string
	Password    string
	DB          int

	// ActiveReceiversCacheTTL memoizes GetActiveReceivers. Zero uses one second,
	// a negative value disables the cache.
	ActiveReceiversCacheTTL time.Duration

	Logger *slog.Logger
}

// New creates a Coordinator based on cfg.Type:
//   - TypeMemory: process-local maps
//   - TypeRedis: Redis (requires cfg.RedisClient or cfg.Addr)
func New(cfg Config) (Coordinator, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryCoordinator(), nil
	case TypeRedis:
		return NewRedisCoordinatorFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown coordinator type: %s", cfg.Type)
	}
}

func validateLease(topic, receiverID string, ttl time.Duration) error {
	if topic == "" || receiverID == "" {
		return fmt.Errorf("%w: topic and receiver id are required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
