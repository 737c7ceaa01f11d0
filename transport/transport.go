package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrClosed               = errors.New("transport: closed")
	ErrRequestTimeout       = errors.New("transport: request timeout")
	ErrNoResponders         = errors.New("transport: no responders")
	ErrSubscriptionNotFound = errors.New("transport: subscription not found")
	ErrInvalidSubject       = errors.New("transport: invalid subject")
)

// Message is a delivery on a subject.
type Message struct {
	Subject string
	Data    []byte
	// Reply is set when the publisher expects an answer, as with Request.
	Reply string
}

// Handler processes one delivery. A returned error is logged by the transport.
type Handler func(ctx context.Context, msg *Message) error

// Transport is the contract conduit requires from a pub/sub system.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish sends data to every subscription whose pattern matches subject.
	// It does not wait for handlers to run.
	Publish(ctx context.Context, subject string, data []byte) error

	// Request publishes data with a transport-generated reply inbox and waits
	// for exactly one answer, or fails with ErrRequestTimeout.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Subscribe registers handler for subject, which may contain wildcards.
	// The returned id is passed to Unsubscribe.
	Subscribe(ctx context.Context, subject string, handler Handler) (string, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(ctx context.Context, id string) error

	// Close releases all subscriptions and connections.
	Close() error
}

// Pinger is implemented by transports that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscriptionError describes a failed subscribe or unsubscribe.
type SubscriptionError struct {
	Op      string
	Subject string
	ID      string
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("transport: %s failed for subscription %s (%s): %v", e.Op, e.ID, e.Subject, e.Err)
	}
	return fmt.Sprintf("transport: %s failed for %s: %v", e.Op, e.Subject, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// dispatch runs handler for one delivery. Handler errors and panics are
// logged so one bad message cannot stop the subscription.
func dispatch(ctx context.Context, logger *slog.Logger, subscriptionID string, handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscription handler panicked",
				"subject", msg.Subject,
				"subscriptionId", subscriptionID,
				"panic", r,
			)
		}
	}()

	if err := handler(ctx, msg); err != nil {
		logger.Error("subscription handler failed",
			"subject", msg.Subject,
			"subscriptionId", subscriptionID,
			"error", err,
		)
	}
}
