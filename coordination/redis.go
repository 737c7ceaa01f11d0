package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix               = "conduit"
	defaultActiveReceiversCacheTTL = time.Second
)

// renewScript extends a lease only if ARGV[1] still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only if ARGV[1] still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// activeReceiversScript prunes expired members of the liveness set and returns the rest.
var activeReceiversScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZRANGE", KEYS[1], 0, -1)
`)

// RedisCoordinator implements Coordinator on Redis.
//
// Key layout, with <ns> = <prefix>:<conduitId>:
//
//	<ns>:receiver:<id>     liveness key, PX ttl
//	<ns>:receivers         sorted set of receiver ids scored by expiry (unix ms)
//	<ns>:topic:<topic>     lease key holding the owning receiver id, PX ttl
type RedisCoordinator struct {
	client     *redis.Client
	ownsClient bool
	namespace  string
	logger     *slog.Logger
	now        func() time.Time

	cacheTTL    time.Duration
	cacheMu     sync.Mutex
	cached      []string
	cachedAt    time.Time
	cacheSerial uint64

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisCoordinator
type RedisOption func(*RedisCoordinator)

// WithRedisKeyPrefix overrides the first key segment
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCoordinator) {
		c.namespace = prefix
	}
}

// WithActiveReceiversCacheTTL sets how long GetActiveReceivers results are reused.
// A non-positive value disables the cache.
func WithActiveReceiversCacheTTL(ttl time.Duration) RedisOption {
	return func(c *RedisCoordinator) {
		c.cacheTTL = ttl
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(c *RedisCoordinator) {
		c.logger = logger
	}
}

// NewRedisCoordinator creates a coordinator for conduitID on an existing client.
// The client is not closed by Close.
func NewRedisCoordinator(client *redis.Client, conduitID string, opts ...RedisOption) (*RedisCoordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if conduitID == "" {
		return nil, fmt.Errorf("%w: conduit id is required", ErrInvalidArgument)
	}

	c := &RedisCoordinator{
		client:    client,
		namespace: defaultKeyPrefix,
		logger:    slog.Default(),
		now:       time.Now,
		cacheTTL:  defaultActiveReceiversCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.namespace = c.namespace + ":" + conduitID
	return c, nil
}

// NewRedisCoordinatorFromConfig builds a coordinator from cfg, dialing Redis
// when no client is supplied.
func NewRedisCoordinatorFromConfig(cfg Config) (*RedisCoordinator, error) {
	client := cfg.RedisClient
	owns := false
	if client == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis coordinator requires an address or a client")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owns = true
	}

	opts := []RedisOption{}
	if cfg.KeyPrefix != "" {
		opts = append(opts, WithRedisKeyPrefix(cfg.KeyPrefix))
	}
	if cfg.ActiveReceiversCacheTTL != 0 {
		opts = append(opts, WithActiveReceiversCacheTTL(cfg.ActiveReceiversCacheTTL))
	}
	if cfg.Logger != nil {
		opts = append(opts, WithRedisLogger(cfg.Logger))
	}

	c, err := NewRedisCoordinator(client, cfg.ConduitID, opts...)
	if err != nil {
		if owns {
			client.Close()
		}
		return nil, err
	}
	c.ownsClient = owns
	return c, nil
}

func (c *RedisCoordinator) receiverKey(id string) string { return c.namespace + ":receiver:" + id }
func (c *RedisCoordinator) receiversKey() string         { return c.namespace + ":receivers" }
func (c *RedisCoordinator) topicKey(topic string) string { return c.namespace + ":topic:" + topic }

func (c *RedisCoordinator) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *RedisCoordinator) RegisterReceiver(ctx context.Context, receiverID string, ttl time.Duration) error {
	if receiverID == "" {
		return fmt.Errorf("%w: receiver id is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := c.checkOpen(); err != nil {
		return err
	}

	expiresAt := c.now().Add(ttl).UnixMilli()
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.receiverKey(receiverID), expiresAt, ttl)
		pipe.ZAdd(ctx, c.receiversKey(), redis.Z{Score: float64(expiresAt), Member: receiverID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register receiver %s: %w", receiverID, err)
	}
	c.invalidateCache()
	return nil
}

func (c *RedisCoordinator) UnregisterReceiver(ctx context.Context, receiverID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.receiverKey(receiverID))
		pipe.ZRem(ctx, c.receiversKey(), receiverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister receiver %s: %w", receiverID, err)
	}
	c.invalidateCache()
	return nil
}

// GetActiveReceivers returns live receivers. Results may be up to the cache TTL old.
func (c *RedisCoordinator) GetActiveReceivers(ctx context.Context) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	if c.cacheTTL > 0 && c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		ids := append([]string(nil), c.cached...)
		c.cacheMu.Unlock()
		return ids, nil
	}
	serial := c.cacheSerial
	c.cacheMu.Unlock()

	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	ids, err := activeReceiversScript.Run(ctx, c.client, []string{c.receiversKey()}, now).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list active receivers: %w", err)
	}

	c.cacheMu.Lock()
	// a registration that raced with this read invalidated the cache; keep it empty
	if c.cacheTTL > 0 && serial == c.cacheSerial {
		c.cached = append(make([]string, 0, len(ids)), ids...)
		c.cachedAt = c.now()
	}
	c.cacheMu.Unlock()

	return ids, nil
}

func (c *RedisCoordinator) invalidateCache() {
	c.cacheMu.Lock()
	c.cached = nil
	c.cacheSerial++
	c.cacheMu.Unlock()
}

// ClaimTopicOwnership uses SET NX PX, which is atomic on its own.
func (c *RedisCoordinator) ClaimTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error) {
	if err := validateLease(topic, receiverID, ttl); err != nil {
		return false, err
	}
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	ok, err := c.client.SetNX(ctx, c.topicKey(topic), receiverID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim topic %s: %w", topic, err)
	}
	return ok, nil
}

func (c *RedisCoordinator) GetTopicOwner(ctx context.Context, topic string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	owner, err := c.client.Get(ctx, c.topicKey(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get owner of topic %s: %w", topic, err)
	}
	return owner, nil
}

func (c *RedisCoordinator) ReleaseTopicOwnership(ctx context.Context, topic, receiverID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if err := releaseScript.Run(ctx, c.client, []string{c.topicKey(topic)}, receiverID).Err(); err != nil {
		return fmt.Errorf("failed to release topic %s: %w", topic, err)
	}
	return nil
}

func (c *RedisCoordinator) RenewTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error) {
	if err := validateLease(topic, receiverID, ttl); err != nil {
		return false, err
	}
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	n, err := renewScript.Run(ctx, c.client, []string{c.topicKey(topic)}, receiverID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew topic %s: %w", topic, err)
	}
	return n == 1, nil
}

// Ping implements Pinger
func (c *RedisCoordinator) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.client.Ping(ctx).Err()
}

// Close marks the coordinator closed. The Redis client is closed only if the
// coordinator dialed it.
func (c *RedisCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ownsClient {
		if err := c.client.Close(); err != nil {
			c.logger.Warn("failed to close redis client", "error", err)
			return err
		}
	}
	return nil
}

// Compile-time interface checks
var (
	_ Coordinator = (*RedisCoordinator)(nil)
	_ Pinger      = (*RedisCoordinator)(nil)
)
