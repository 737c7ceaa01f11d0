package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySubscription struct {
	id      string
	pattern []string
	subject string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// MemoryTransport is an in-process bus with NATS-style wildcard matching.
// Publish returns before handlers run; every matching handler is invoked on its
// own goroutine.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

// MemoryOption configures a MemoryTransport
type MemoryOption func(*MemoryTransport)

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(t *MemoryTransport) {
		t.logger = logger
	}
}

// NewMemoryTransport creates an empty in-process bus.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{
		subs:   make(map[string]*memorySubscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements Transport
func (t *MemoryTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.publish(subject, data, "")
}

// Reply publishes an answer to a reply subject. The bus has no native
// request/reply correlation; inboxes are ordinary subjects.
func (t *MemoryTransport) Reply(ctx context.Context, subject string, data []byte) error {
	return t.publish(subject, data, "")
}

func (t *MemoryTransport) publish(subject string, data []byte, reply string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	tokens := strings.Split(subject, tokenSeparator)

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	matched := make([]*memorySubscription, 0, 1)
	for _, sub := range t.subs {
		if matchTokens(sub.pattern, tokens) {
			matched = append(matched, sub)
		}
	}
	t.wg.Add(len(matched))
	t.mu.RUnlock()

	for _, sub := range matched {
		msg := &Message{
			Subject: subject,
			Data:    append([]byte(nil), data...),
			Reply:   reply,
		}
		go t.deliver(sub, msg)
	}
	return nil
}

func (t *MemoryTransport) deliver(sub *memorySubscription, msg *Message) {
	defer t.wg.Done()

	if sub.ctx.Err() != nil {
		return
	}
	dispatch(sub.ctx, t.logger, sub.id, sub.handler, msg)
}

// Request implements Transport using a private _INBOX subject.
func (t *MemoryTransport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	inbox := "_INBOX." + uuid.New().String()
	replies := make(chan []byte, 1)

	id, err := t.Subscribe(ctx, inbox, func(_ context.Context, msg *Message) error {
		select {
		case replies <- msg.Data:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer t.Unsubscribe(context.Background(), id)

	if !t.hasSubscribers(subject) {
		return nil, ErrNoResponders
	}

	if err := t.publish(subject, data, inbox); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) hasSubscribers(subject string) bool {
	tokens := strings.Split(subject, tokenSeparator)

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		if matchTokens(sub.pattern, tokens) {
			return true
		}
	}
	return false
}

// Subscribe implements Transport
func (t *MemoryTransport) Subscribe(ctx context.Context, subject string, handler Handler) (string, error) {
	if handler == nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("handler cannot be nil")}
	}
	if err := ValidatePattern(subject); err != nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		id:      uuid.New().String(),
		pattern: strings.Split(subject, tokenSeparator),
		subject: subject,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	t.subs[sub.id] = sub

	return sub.id, nil
}

// Unsubscribe implements Transport
func (t *MemoryTransport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[id]
	if !ok {
		return &SubscriptionError{Op: "unsubscribe", ID: id, Err: ErrSubscriptionNotFound}
	}
	sub.cancel()
	delete(t.subs, id)
	return nil
}

// SubscriptionCount returns the number of active subscriptions.
func (t *MemoryTransport) SubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Ping implements Pinger
func (t *MemoryTransport) Ping(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Close drops every subscription and waits for running handlers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, sub := range t.subs {
		sub.cancel()
		delete(t.subs, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Pinger    = (*MemoryTransport)(nil)
)
