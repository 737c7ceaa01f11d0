package messaging

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiver_Lifecycle(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	ctx := context.Background()

	r, err := NewReceiver("app", tr, coord, echoHandler, fastReceiverOptions()...)
	require.NoError(t, err)
	assert.False(t, r.IsRunning())
	assert.NoError(t, r.Stop(ctx), "stopping a stopped receiver is a no-op")

	require.NoError(t, r.Start(ctx))
	assert.True(t, r.IsRunning())
	assert.ErrorIs(t, r.Start(ctx), contracts.ErrAlreadyRunning)

	active, err := coord.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID()}, active)
	assert.Equal(t, 1, tr.SubscriptionCount())

	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.IsRunning())

	active, err = coord.GetActiveReceivers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 0, tr.SubscriptionCount())

	// restart works with a fresh cache
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop(ctx))
}

func TestReceiver_HeartbeatKeepsRegistrationAlive(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	r := startReceiver(t, "app", tr, coord, echoHandler)

	// several heartbeat TTLs later the receiver is still listed
	time.Sleep(500 * time.Millisecond)
	active, err := coord.GetActiveReceivers(context.Background())
	require.NoError(t, err)
	assert.Contains(t, active, r.ID())
}

func TestReceiver_ReleasesTopicsOnStop(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	ctx := context.Background()

	r, err := NewReceiver("app", tr, coord, echoHandler, fastReceiverOptions()...)
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))

	sender := newSender(t, "app", tr, coord)
	_, err = sender.Send(ctx, "inventory", nil)
	require.NoError(t, err)

	owner, err := coord.GetTopicOwner(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, r.ID(), owner)
	assert.Equal(t, []string{"inventory"}, r.OwnedTopics())

	require.NoError(t, r.Stop(ctx))
	owner, err = coord.GetTopicOwner(ctx, "inventory")
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.Empty(t, r.OwnedTopics())
}

func TestReceiver_OwnershipLoss(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	ctx := context.Background()
	metrics := newRecordingMetrics()

	r := startReceiver(t, "app", tr, coord, echoHandler, WithReceiverMetrics(metrics))
	lost := make(chan string, 1)
	r.OnOwnershipLost(func(topic string) { lost <- topic })

	sender := newSender(t, "app", tr, coord)
	_, err := sender.Send(ctx, "reports", nil)
	require.NoError(t, err)

	// another receiver takes the topic behind this one's back
	require.NoError(t, coord.ReleaseTopicOwnership(ctx, "reports", r.ID()))
	ok, err := coord.ClaimTopicOwnership(ctx, "reports", "intruder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case topic := <-lost:
		assert.Equal(t, "reports", topic)
	case <-time.After(time.Second):
		t.Fatal("ownership loss not reported")
	}
	assert.Empty(t, r.OwnedTopics())
	assert.Equal(t, []string{"reports"}, metrics.snapshot().lost)
}

func TestReceiver_TimeoutExtensionRateLimit(t *testing.T) {
	tr, coord := newMemoryBackends(t)

	r, err := NewReceiver("app", tr, coord, echoHandler,
		WithTimeoutExtension(5*time.Second, 10*time.Second),
	)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	inbox := contracts.NewInbox()
	extensions := make(chan contracts.Reply, 10)
	_, err = tr.Subscribe(context.Background(), inbox, func(_ context.Context, msg *transport.Message) error {
		reply, err := contracts.DecodeReply(msg.Data)
		assert.NoError(t, err)
		extensions <- reply
		return nil
	})
	require.NoError(t, err)

	r.processing["m1"] = &processing{
		topic:         "t",
		replySubjects: []string{inbox},
		deadline:      now.Add(3 * time.Second),
	}
	r.processing["m2"] = &processing{
		topic:         "t",
		replySubjects: []string{contracts.NewInbox()},
		deadline:      now.Add(time.Minute),
	}

	r.checkTimeouts()
	select {
	case reply := <-extensions:
		require.True(t, reply.IsExtension())
		assert.Equal(t, "m1", reply.Extension.MessageID)
		assert.Equal(t, 10*time.Second, reply.Extension.Extension())
	case <-time.After(time.Second):
		t.Fatal("no extension sent")
	}
	assert.Equal(t, now.Add(10*time.Second), r.processing["m1"].deadline)
	assert.Equal(t, now.Add(time.Minute), r.processing["m2"].deadline, "far deadlines are left alone")

	// still under the threshold but inside the rate limit window
	r.processing["m1"].deadline = now.Add(time.Second)
	now = now.Add(500 * time.Millisecond)
	r.checkTimeouts()
	select {
	case <-extensions:
		t.Fatal("extension sent twice within a second")
	case <-time.After(50 * time.Millisecond):
	}

	now = now.Add(600 * time.Millisecond)
	r.checkTimeouts()
	select {
	case reply := <-extensions:
		assert.True(t, reply.IsExtension())
	case <-time.After(time.Second):
		t.Fatal("extension not sent after the rate limit window")
	}
}

func TestReceiver_DuplicateCompletedWhileWaitingReplaysCache(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	ctx := context.Background()
	handler := &countingHandler{}
	r := startReceiver(t, "app", tr, coord, handler.Handle)

	inbox := contracts.NewInbox()
	replies := make(chan []byte, 1)
	_, err := tr.Subscribe(ctx, inbox, func(_ context.Context, msg *transport.Message) error {
		replies <- msg.Data
		return nil
	})
	require.NoError(t, err)

	r.mu.Lock()
	messageCache := r.cache
	r.mu.Unlock()
	cached, err := contracts.NewSuccessResponse("late", "first")
	require.NoError(t, err)

	// the duplicate misses the cache, then waits on procMu while the
	// original invocation stores its response
	r.procMu.Lock()
	go r.process(contracts.NewMessage("late", "t", json.RawMessage(`{}`), inbox, time.Minute, 1))
	time.Sleep(20 * time.Millisecond)
	messageCache.Set("late", cached)
	r.procMu.Unlock()

	select {
	case data := <-replies:
		var resp contracts.Response
		require.NoError(t, json.Unmarshal(data, &resp))
		assert.True(t, resp.Success)
		assert.JSONEq(t, `"first"`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("no reply for the duplicate")
	}
	assert.Equal(t, int32(0), handler.calls.Load())
	assert.Equal(t, 0, r.ProcessingCount())
}

func TestReceiver_DuplicateWhileProcessingJoins(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	r := startReceiver(t, "app", tr, coord, func(context.Context, string, json.RawMessage) (any, error) {
		calls.Add(1)
		<-release
		return "once", nil
	})

	inboxes := []string{contracts.NewInbox(), contracts.NewInbox()}
	replies := make(chan string, 2)
	for _, inbox := range inboxes {
		_, err := tr.Subscribe(ctx, inbox, func(_ context.Context, msg *transport.Message) error {
			replies <- msg.Subject
			return nil
		})
		require.NoError(t, err)
	}

	publish := func(inbox string, attempt int) {
		data, err := json.Marshal(contracts.NewMessage("dup", "t", json.RawMessage(`{}`), inbox, time.Minute, attempt))
		require.NoError(t, err)
		require.NoError(t, tr.Publish(ctx, contracts.RequestSubject("app", r.ID(), "t"), data))
	}

	publish(inboxes[0], 0)
	require.Eventually(t, func() bool { return r.ProcessingCount() == 1 }, time.Second, 5*time.Millisecond)
	publish(inboxes[1], 1)
	time.Sleep(50 * time.Millisecond)
	close(release)

	got := make([]string, 0, 2)
	for len(got) < 2 {
		select {
		case subject := <-replies:
			got = append(got, subject)
		case <-time.After(time.Second):
			t.Fatalf("only %d replies received", len(got))
		}
	}
	assert.ElementsMatch(t, inboxes, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReceiver_IgnoresUndecodableMessages(t *testing.T) {
	tr, coord := newMemoryBackends(t)
	handler := &countingHandler{}
	r := startReceiver(t, "app", tr, coord, handler.Handle)

	require.NoError(t, tr.Publish(context.Background(), contracts.RequestSubject("app", r.ID(), "t"), []byte("not json")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, handler.calls.Load())
	assert.True(t, r.IsRunning())
}

func TestReceiver_StartFailsWhenCoordinatorClosed(t *testing.T) {
	tr := transport.NewMemoryTransport()
	defer tr.Close()
	coord := coordination.NewMemoryCoordinator()
	require.NoError(t, coord.Close())

	r, err := NewReceiver("app", tr, coord, echoHandler)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(context.Background()), coordination.ErrClosed)
	assert.False(t, r.IsRunning())
	assert.Equal(t, 0, tr.SubscriptionCount())
}

func TestNewReceiver_Validation(t *testing.T) {
	tr, coord := newMemoryBackends(t)

	_, err := NewReceiver("app", tr, coord, nil)
	assert.Error(t, err)
	_, err = NewReceiver("", tr, coord, echoHandler)
	assert.Error(t, err)
	_, err = NewReceiver("app", tr, coord, echoHandler, WithHeartbeat(time.Second, time.Second))
	assert.Error(t, err)
	_, err = NewReceiver("app", tr, coord, echoHandler, WithReceiverID("has.dot"))
	assert.Error(t, err)
}
