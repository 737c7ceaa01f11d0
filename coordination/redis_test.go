package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestRedisCoordinator(t *testing.T) {
	runCoordinatorSuite(t, func(t *testing.T) (Coordinator, func(time.Duration)) {
		s, client := newMiniredis(t)
		clock := newFakeClock()

		c, err := NewRedisCoordinator(client, "test", WithActiveReceiversCacheTTL(-1))
		require.NoError(t, err)
		c.now = clock.Now

		return c, func(d time.Duration) {
			clock.Advance(d)
			s.FastForward(d)
		}
	})
}

func TestRedisCoordinator_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, client := newMiniredis(t)

	c, err := NewRedisCoordinator(client, "c1", WithRedisKeyPrefix("app"))
	require.NoError(t, err)

	require.NoError(t, c.RegisterReceiver(ctx, "r1", time.Minute))
	_, err = c.ClaimTopicOwnership(ctx, "orders", "r1", 30*time.Second)
	require.NoError(t, err)

	assert.True(t, s.Exists("app:c1:receiver:r1"))
	owner, err := s.Get("app:c1:topic:orders")
	require.NoError(t, err)
	assert.Equal(t, "r1", owner)
	assert.Equal(t, 30*time.Second, s.TTL("app:c1:topic:orders"))

	members, err := s.ZMembers("app:c1:receivers")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)
}

func TestRedisCoordinator_ConduitIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	x, err := NewRedisCoordinator(client, "x")
	require.NoError(t, err)
	y, err := NewRedisCoordinator(client, "y")
	require.NoError(t, err)

	require.NoError(t, x.RegisterReceiver(ctx, "rx", time.Minute))
	ok, err := x.ClaimTopicOwnership(ctx, "shared", "rx", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := y.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	owner, err := y.GetTopicOwner(ctx, "shared")
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = y.ClaimTopicOwnership(ctx, "shared", "ry", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCoordinator_ActiveReceiversCache(t *testing.T) {
	ctx := context.Background()
	s, client := newMiniredis(t)
	clock := newFakeClock()

	c, err := NewRedisCoordinator(client, "cache", WithActiveReceiversCacheTTL(time.Second))
	require.NoError(t, err)
	c.now = clock.Now

	require.NoError(t, c.RegisterReceiver(ctx, "r1", time.Minute))
	ids, err := c.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	// another process registers directly in Redis; the cached view hides it
	_, err = s.ZAdd("conduit:cache:receivers", float64(clock.Now().Add(time.Minute).UnixMilli()), "r2")
	require.NoError(t, err)

	ids, err = c.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	clock.Advance(1100 * time.Millisecond)
	ids, err = c.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)

	// local registration invalidates immediately
	require.NoError(t, c.UnregisterReceiver(ctx, "r1"))
	ids, err = c.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids)
}

func TestRedisCoordinator_FromConfig(t *testing.T) {
	s, _ := newMiniredis(t)

	c, err := New(Config{Type: TypeRedis, ConduitID: "cfg", Addr: s.Addr()})
	require.NoError(t, err)
	require.NoError(t, c.(Pinger).Ping(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = New(Config{Type: TypeRedis, Addr: s.Addr()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRedisCoordinator_BackendDown(t *testing.T) {
	s, client := newMiniredis(t)
	c, err := NewRedisCoordinator(client, "down")
	require.NoError(t, err)

	s.Close()
	_, err = c.ClaimTopicOwnership(context.Background(), "t", "r1", time.Second)
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}
