package contracts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Send errors
	ErrNoReceiverAvailable = errors.New("conduit: no receiver available")
	ErrMaxInFlight         = errors.New("conduit: maximum in-flight messages exceeded")
	ErrSenderClosed        = errors.New("conduit: sender closed")
	ErrRequestTimeout      = errors.New("conduit: request timeout")
	ErrPublishFailed       = errors.New("conduit: publish failed")
	ErrDecodeFailed        = errors.New("conduit: response decode failed")

	// Topic subscription errors
	ErrAlreadySubscribed = errors.New("conduit: already subscribed to topic")
	ErrNotSubscribed     = errors.New("conduit: not subscribed to topic")

	// Receiver errors
	ErrAlreadyRunning = errors.New("conduit: receiver already running")

	// Validation errors
	ErrInvalidTopic = errors.New("conduit: invalid topic")
)

// SendError describes a messaging-layer failure of one send attempt.
// It is distinct from a Response with Success=false, which means the remote
// handler ran and failed.
type SendError struct {
	Op         string
	MessageID  string
	Topic      string
	RetryCount int
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("conduit send error: %s failed for message %s on topic %s (attempt %d): %v",
		e.Op, e.MessageID, e.Topic, e.RetryCount, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt could succeed.
func (e *SendError) IsRetryable() bool {
	switch {
	case errors.Is(e.Err, ErrMaxInFlight),
		errors.Is(e.Err, ErrSenderClosed),
		errors.Is(e.Err, ErrInvalidTopic),
		errors.Is(e.Err, context.Canceled):
		return false
	}
	return true
}

// NewSendError wraps err with the context of a send attempt.
func NewSendError(op, messageID, topic string, retryCount int, err error) *SendError {
	return &SendError{
		Op:         op,
		MessageID:  messageID,
		Topic:      topic,
		RetryCount: retryCount,
		Err:        err,
	}
}
