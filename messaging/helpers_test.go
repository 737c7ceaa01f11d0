package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/transport"
	"github.com/stretchr/testify/require"
)

// fastReceiverOptions shrink every interval so tests run in milliseconds.
func fastReceiverOptions() []ReceiverOption {
	return []ReceiverOption{
		WithHeartbeat(50*time.Millisecond, 200*time.Millisecond),
		WithTopicOwnership(300*time.Millisecond, 100*time.Millisecond),
		WithTimeoutCheckInterval(20 * time.Millisecond),
	}
}

func fastSenderOptions() []SenderOption {
	return []SenderOption{
		WithDefaultTimeout(2 * time.Second),
		WithRetryBackoff(10*time.Millisecond, 2),
		WithMaxRetries(2),
		WithSenderOwnershipTTL(300 * time.Millisecond),
		WithUnsubscribeRetryInterval(50 * time.Millisecond),
	}
}

func startReceiver(t *testing.T, conduitID string, tr transport.Transport, coord coordination.Coordinator, handler Handler, opts ...ReceiverOption) *Receiver {
	t.Helper()
	r, err := NewReceiver(conduitID, tr, coord, handler, append(fastReceiverOptions(), opts...)...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func newSender(t *testing.T, conduitID string, tr transport.Transport, coord coordination.Coordinator, opts ...SenderOption) *Sender {
	t.Helper()
	s, err := NewSender(conduitID, tr, coord, append(fastSenderOptions(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryBackends(t *testing.T) (*transport.MemoryTransport, *coordination.MemoryCoordinator) {
	t.Helper()
	tr := transport.NewMemoryTransport()
	coord := coordination.NewMemoryCoordinator()
	t.Cleanup(func() {
		_ = coord.Close()
		_ = tr.Close()
	})
	return tr, coord
}

// countingHandler counts invocations and answers {"count": n}.
type countingHandler struct {
	calls atomic.Int32
}

func (h *countingHandler) Handle(_ context.Context, _ string, _ json.RawMessage) (any, error) {
	n := h.calls.Add(1)
	return map[string]int32{"count": n}, nil
}

func echoHandler(_ context.Context, _ string, payload json.RawMessage) (any, error) {
	return payload, nil
}

// flakyTransport fails the first n publishes to request subjects and counts all publishes.
type flakyTransport struct {
	transport.Transport
	failures  atomic.Int32
	publishes atomic.Int32
}

var errInjected = errors.New("injected publish failure")

func (f *flakyTransport) Publish(ctx context.Context, subject string, data []byte) error {
	f.publishes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errInjected
	}
	return f.Transport.Publish(ctx, subject, data)
}

// stickyInboxTransport fails the first n unsubscribes and counts all of them.
type stickyInboxTransport struct {
	transport.Transport
	failures     atomic.Int32
	unsubscribes atomic.Int32
}

var errUnsubscribe = errors.New("injected unsubscribe failure")

func (f *stickyInboxTransport) Unsubscribe(ctx context.Context, subscriptionID string) error {
	f.unsubscribes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errUnsubscribe
	}
	return f.Transport.Unsubscribe(ctx, subscriptionID)
}

// recordingMetrics captures the calls the sender and receiver make.
type recordingMetrics struct {
	NoOpMetricsCollector

	mu         sync.Mutex
	outcomes   []string
	retries    int
	extensions map[string]int
	cacheHits  int
	lost       []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{extensions: make(map[string]int)}
}

func (m *recordingMetrics) RecordSend(_ string, _ time.Duration, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordRetry(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) RecordTimeoutExtension(_ string, direction string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions[direction]++
}

func (m *recordingMetrics) RecordCacheHit(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *recordingMetrics) RecordOwnershipLost(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, topic)
}

type metricsSnapshot struct {
	outcomes   []string
	retries    int
	extensions map[string]int
	cacheHits  int
	lost       []string
}

func (m *recordingMetrics) snapshot() metricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext := make(map[string]int, len(m.extensions))
	for k, v := range m.extensions {
		ext[k] = v
	}
	return metricsSnapshot{
		outcomes:   append([]string(nil), m.outcomes...),
		retries:    m.retries,
		extensions: ext,
		cacheHits:  m.cacheHits,
		lost:       append([]string(nil), m.lost...),
	}
}
