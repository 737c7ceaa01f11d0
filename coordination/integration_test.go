//go:build integration

package coordination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisCoordinator_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	coord, err := New(Config{
		Type:                    TypeRedis,
		ConduitID:               "integration",
		Addr:                    fmt.Sprintf("%s:%s", host, port.Port()),
		ActiveReceiversCacheTTL: -1,
	})
	require.NoError(t, err)
	defer coord.Close()

	require.NoError(t, coord.(Pinger).Ping(ctx))

	require.NoError(t, coord.RegisterReceiver(ctx, "r1", 300*time.Millisecond))
	require.NoError(t, coord.RegisterReceiver(ctx, "r2", time.Minute))
	receivers, err := coord.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, receivers)

	claimed, err := coord.ClaimTopicOwnership(ctx, "orders", "r1", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = coord.ClaimTopicOwnership(ctx, "orders", "r2", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	renewed, err := coord.RenewTopicOwnership(ctx, "orders", "r2", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	// let r1's registration and lease expire
	time.Sleep(500 * time.Millisecond)

	receivers, err = coord.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, receivers)

	owner, err := coord.GetTopicOwner(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, owner)

	claimed, err = coord.ClaimTopicOwnership(ctx, "orders", "r2", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, coord.ReleaseTopicOwnership(ctx, "orders", "r1"))
	owner, err = coord.GetTopicOwner(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "r2", owner)

	require.NoError(t, coord.ReleaseTopicOwnership(ctx, "orders", "r2"))
	owner, err = coord.GetTopicOwner(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
