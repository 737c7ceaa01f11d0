package interceptors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/conduit-go/messaging"
)

// TimeoutInterceptor bounds the context passed to the handler. The handler
// must watch ctx; the receiver keeps extending the sender's deadline for as
// long as the handler runs.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	result, err := next(ctx, topic, payload)
	if err == nil && ctx.Err() != nil {
		return nil, fmt.Errorf("handler exceeded %s: %w", i.timeout, ctx.Err())
	}
	return result, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ConcurrencyLimitInterceptor bounds how many handlers run at once.
// Messages over the limit wait for a slot.
type ConcurrencyLimitInterceptor struct {
	sem *semaphore.Weighted
}

// NewConcurrencyLimitInterceptor creates an interceptor allowing n
// concurrent handlers. n < 1 is treated as 1.
func NewConcurrencyLimitInterceptor(n int) *ConcurrencyLimitInterceptor {
	if n < 1 {
		n = 1
	}
	return &ConcurrencyLimitInterceptor{sem: semaphore.NewWeighted(int64(n))}
}

// Intercept implements Interceptor
func (i *ConcurrencyLimitInterceptor) Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire handler slot: %w", err)
	}
	defer i.sem.Release(1)
	return next(ctx, topic, payload)
}

// Name implements Interceptor
func (i *ConcurrencyLimitInterceptor) Name() string {
	return "ConcurrencyLimitInterceptor"
}
