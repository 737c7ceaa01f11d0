package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSTransport delegates to a NATS connection. Wildcards, inboxes and
// request/reply are the server's own.
type NATSTransport struct {
	conn     *nats.Conn
	ownsConn bool
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*natsSubscription
	closed bool
}

type natsSubscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NATSConfig holds connection settings for NewNATSTransport
type NATSConfig struct {
	URL           string
	Name          string
	Username      string
	Password      string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NATSOption configures NATSConfig
type NATSOption func(*NATSConfig)

// WithNATSName sets the client name reported to the server
func WithNATSName(name string) NATSOption {
	return func(c *NATSConfig) {
		c.Name = name
	}
}

// WithNATSUserInfo sets username/password authentication
func WithNATSUserInfo(username, password string) NATSOption {
	return func(c *NATSConfig) {
		c.Username = username
		c.Password = password
	}
}

// WithNATSToken sets token authentication
func WithNATSToken(token string) NATSOption {
	return func(c *NATSConfig) {
		c.Token = token
	}
}

// WithNATSReconnect sets reconnection behaviour (-1 reconnects forever)
func WithNATSReconnect(maxReconnects int, wait time.Duration) NATSOption {
	return func(c *NATSConfig) {
		c.MaxReconnects = maxReconnects
		c.ReconnectWait = wait
	}
}

// WithNATSLogger sets the logger
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(c *NATSConfig) {
		c.Logger = logger
	}
}

// NewNATSTransport connects to url (a comma-separated server list is accepted).
func NewNATSTransport(url string, opts ...NATSOption) (*NATSTransport, error) {
	cfg := &NATSConfig{
		URL:           url,
		Name:          "conduit",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		Logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.Logger
	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", "url", conn.ConnectedUrl())

	t := NewNATSTransportFromConn(conn, logger)
	t.ownsConn = true
	return t, nil
}

// NewNATSTransportFromConn wraps an existing connection. Close leaves the
// connection open.
func NewNATSTransportFromConn(conn *nats.Conn, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{
		conn:   conn,
		logger: logger,
		subs:   make(map[string]*natsSubscription),
	}
}

// Publish implements Transport
func (t *NATSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, mapNATSError(err))
	}
	return nil
}

// Request implements Transport
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := t.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapNATSError(err)
	}
	return msg.Data, nil
}

// Subscribe implements Transport. NATS delivers to one subscription serially;
// handlers that block should hand work off to their own goroutines.
func (t *NATSTransport) Subscribe(ctx context.Context, subject string, handler Handler) (string, error) {
	if handler == nil {
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: fmt.Errorf("handler cannot be nil")}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}

	subCtx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		dispatch(subCtx, t.logger, id, handler, &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply})
	})
	if err != nil {
		cancel()
		return "", &SubscriptionError{Op: "subscribe", Subject: subject, Err: mapNATSError(err)}
	}

	t.subs[id] = &natsSubscription{sub: sub, cancel: cancel}
	return id, nil
}

// Unsubscribe implements Transport
func (t *NATSTransport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	s, ok := t.subs[id]
	if !ok {
		t.mu.Unlock()
		return &SubscriptionError{Op: "unsubscribe", ID: id, Err: ErrSubscriptionNotFound}
	}
	t.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return &SubscriptionError{Op: "unsubscribe", ID: id, Subject: s.sub.Subject, Err: mapNATSError(err)}
	}

	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
	s.cancel()
	return nil
}

// Ping implements Pinger with a server round trip.
func (t *NATSTransport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	if !t.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS (status %s)", t.conn.Status())
	}
	return t.conn.FlushWithContext(ctx)
}

// Close implements Transport
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*natsSubscription)
	t.mu.Unlock()

	var errs []error
	for id, s := range subs {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
		}
		s.cancel()
	}

	if t.ownsConn {
		if err := t.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("failed to drain connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (t *NATSTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	case errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %v", ErrNoResponders, err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, nats.ErrBadSubject):
		return fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return err
}

var (
	_ Transport = (*NATSTransport)(nil)
	_ Pinger    = (*NATSTransport)(nil)
)
