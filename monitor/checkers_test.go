package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportChecker(t *testing.T) {
	tr := transport.NewMemoryTransport()
	checker := NewTransportChecker(tr)
	assert.Equal(t, "transport", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	require.NoError(t, tr.Close())
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestCoordinatorChecker(t *testing.T) {
	ctx := context.Background()
	coord := coordination.NewMemoryCoordinator()
	checker := NewCoordinatorChecker(coord)

	result := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 0, result.Details["active_receivers"])

	require.NoError(t, coord.RegisterReceiver(ctx, "r1", time.Minute))
	result = checker.Check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 1, result.Details["active_receivers"])

	require.NoError(t, coord.Close())
	result = checker.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
}

type fakeReceiver struct {
	running bool
}

func (f *fakeReceiver) ID() string            { return "r1" }
func (f *fakeReceiver) IsRunning() bool       { return f.running }
func (f *fakeReceiver) OwnedTopics() []string { return []string{"orders"} }
func (f *fakeReceiver) ProcessingCount() int  { return 2 }

func TestReceiverChecker(t *testing.T) {
	receiver := &fakeReceiver{running: true}
	checker := NewReceiverChecker(receiver)
	assert.Equal(t, "receiver:r1", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, []string{"orders"}, result.Details["owned_topics"])
	assert.Equal(t, 2, result.Details["processing"])

	receiver.running = false
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestGoroutineChecker(t *testing.T) {
	checker := NewGoroutineChecker(0, 0)
	assert.Equal(t, "goroutines", checker.Name())
	assert.Equal(t, 500, checker.warningThreshold)
	assert.Equal(t, 1000, checker.criticalThreshold)

	result := checker.Check(context.Background())
	assert.Contains(t, result.Details, "memory_used_mb")
	assert.Contains(t, result.Details, "gc_runs")
	assert.Greater(t, result.Details["goroutines"].(int), 0)
	assert.Equal(t, StatusHealthy, result.Status)

	strict := NewGoroutineChecker(1, 1)
	result = strict.Check(context.Background())
	if result.Details["goroutines"].(int) > 1 {
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "Too many goroutines")
	}
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("cache", func(ctx context.Context) (Status, string, map[string]any, error) {
		return StatusDegraded, "cache cold", map[string]any{"size": 0}, errors.New("warming up")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "cache", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "cache cold", result.Message)
	assert.Equal(t, "warming up", result.Error)
	assert.Equal(t, 0, result.Details["size"])
}
