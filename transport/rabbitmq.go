package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange used by RabbitMQTransport.
const DefaultExchange = "conduit"

// RabbitMQTransport maps subjects onto routing keys of a single topic exchange.
// Each subscription owns an exclusive, auto-deleted queue bound with the
// translated pattern, so fan-out semantics match the other transports.
type RabbitMQTransport struct {
	url      string
	exchange string
	logger   *slog.Logger

	conn        *amqp.Connection
	publishCh   *amqp.Channel
	publishMu   sync.Mutex
	notifyClose chan *amqp.Error

	mu     sync.RWMutex
	subs   map[string]*rabbitSubscription
	closed bool
	wg     sync.WaitGroup
}

type rabbitSubscription struct {
	subject     string
	channel     *amqp.Channel
	consumerTag string
	cancel      context.CancelFunc
}

// RabbitMQOption configures a RabbitMQTransport
type RabbitMQOption func(*RabbitMQTransport)

// WithRabbitMQExchange overrides the exchange name
func WithRabbitMQExchange(exchange string) RabbitMQOption {
	return func(t *RabbitMQTransport) {
		t.exchange = exchange
	}
}

// WithRabbitMQLogger sets the logger
func WithRabbitMQLogger(logger *slog.Logger) RabbitMQOption {
	return func(t *RabbitMQTransport) {
		t.logger = logger
	}
}

// NewRabbitMQTransport dials the broker and declares the topic exchange.
func NewRabbitMQTransport(ctx context.Context, amqpURL string, opts ...RabbitMQOption) (*RabbitMQTransport, error) {
	t := &RabbitMQTransport{
		url:      amqpURL,
		exchange: DefaultExchange,
		logger:   slog.Default(),
		subs:     make(map[string]*rabbitSubscription),
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, err := dialWithContext(ctx, amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s: %w", sanitizeURL(amqpURL), err)
	}
	t.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	t.publishCh = ch

	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", t.exchange, err)
	}

	t.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	go t.watchConnection()

	t.logger.Info("connected to RabbitMQ",
		"url", sanitizeURL(amqpURL),
		"exchange", t.exchange,
	)
	return t, nil
}

func dialWithContext(ctx context.Context, amqpURL string) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(amqpURL)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *RabbitMQTransport) watchConnection() {
	err, ok := <-t.notifyClose
	if !ok || err == nil {
		return
	}
	t.logger.Error("RabbitMQ connection closed", "error", err)
}

// Publish implements Transport
func (t *RabbitMQTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.publish(ctx, subject, data, "")
}

func (t *RabbitMQTransport) publish(ctx context.Context, subject string, data []byte, replyTo string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	err := t.publishCh.PublishWithContext(ctx, t.exchange, RoutingKey(subject), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		ReplyTo:     replyTo,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, mapAMQPError(err))
	}
	return nil
}

// Request implements Transport. Inboxes are ordinary routing keys on the exchange.
func (t *RabbitMQTransport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
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

	if err := t.publish(ctx, subject, data, inbox); err != nil {
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

// Subscribe implements Transport. The queue is bound before Subscribe returns,
// so anything published afterwards is delivered.
func (t *RabbitMQTransport) Subscribe(ctx context.Context, subject string, handler Handler) (string, error) {
	if handler == nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("handler cannot be nil")}
	}
	if err := ValidatePattern(subject); err != nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: err}
	}
	if t.isClosed() {
		return "", ErrClosed
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: mapAMQPError(err)}
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("failed to declare queue: %w", err)}
	}

	if err := ch.QueueBind(q.Name, RoutingKey(subject), t.exchange, false, nil); err != nil {
		ch.Close()
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("failed to bind queue: %w", err)}
	}

	id := uuid.New().String()
	deliveries, err := ch.Consume(q.Name, id, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("failed to consume: %w", err)}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &rabbitSubscription{
		subject:     subject,
		channel:     ch,
		consumerTag: id,
		cancel:      cancel,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		ch.Close()
		return "", ErrClosed
	}
	t.subs[id] = sub
	t.wg.Add(1)
	t.mu.Unlock()

	go t.consume(subCtx, id, deliveries, handler)

	return id, nil
}

func (t *RabbitMQTransport) consume(ctx context.Context, id string, deliveries <-chan amqp.Delivery, handler Handler) {
	defer t.wg.Done()

	for d := range deliveries {
		dispatch(ctx, t.logger, id, handler, &Message{
			Subject: d.RoutingKey,
			Data:    d.Body,
			Reply:   d.ReplyTo,
		})
	}
}

// Unsubscribe implements Transport
func (t *RabbitMQTransport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if !ok {
		return &SubscriptionError{Op: "unsubscribe", ID: id, Err: ErrSubscriptionNotFound}
	}
	return t.closeSubscription(id, sub)
}

func (t *RabbitMQTransport) closeSubscription(id string, sub *rabbitSubscription) error {
	sub.cancel()
	if err := sub.channel.Cancel(sub.consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		sub.channel.Close()
		return &SubscriptionError{Op: "unsubscribe", ID: id, Subject: sub.subject, Err: mapAMQPError(err)}
	}
	if err := sub.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &SubscriptionError{Op: "unsubscribe", ID: id, Subject: sub.subject, Err: mapAMQPError(err)}
	}
	return nil
}

// Ping implements Pinger
func (t *RabbitMQTransport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.conn.IsClosed() {
		return fmt.Errorf("%w: connection lost", ErrClosed)
	}
	return nil
}

// Close implements Transport
func (t *RabbitMQTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*rabbitSubscription)
	t.mu.Unlock()

	var errs []error
	for id, sub := range subs {
		if err := t.closeSubscription(id, sub); err != nil {
			errs = append(errs, err)
		}
	}

	if err := t.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *RabbitMQTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// RoutingKey translates a subject or pattern into an AMQP topic routing key.
// "*" is shared; ">" becomes "#". AMQP's "#" also matches zero words, which
// never matters here because conduit never publishes to a bare prefix.
func RoutingKey(subject string) string {
	tokens := strings.Split(subject, tokenSeparator)
	for i, token := range tokens {
		if token == wildcardAll {
			tokens[i] = "#"
		}
	}
	return strings.Join(tokens, tokenSeparator)
}

func mapAMQPError(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// sanitizeURL removes credentials from an AMQP URL for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

var (
	_ Transport = (*RabbitMQTransport)(nil)
	_ Pinger    = (*RabbitMQTransport)(nil)
)
