package interceptors

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/glimte/conduit-go/messaging"
)

// Interceptor processes a message before and after the handler
type Interceptor interface {
	// Intercept calls next, or returns without calling it to stop the chain
	Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error) {
	return i.fn(ctx, topic, payload, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain running interceptors in the given order
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then wraps handler with the chain. Later changes to the chain do not
// affect the returned handler.
func (c *Chain) Then(handler messaging.Handler) messaging.Handler {
	// build in reverse so the first interceptor is outermost
	wrapped := handler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := wrapped
		wrapped = func(ctx context.Context, topic string, payload json.RawMessage) (any, error) {
			return interceptor.Intercept(ctx, topic, payload, next)
		}
	}
	return wrapped
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error) {
	start := time.Now()
	i.logger.Debug("Processing message", "topic", topic, "size", len(payload))

	result, err := next(ctx, topic, payload)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("Message processing failed",
			"topic", topic,
			"duration", duration,
			"error", err)
	} else {
		i.logger.Info("Message processed",
			"topic", topic,
			"duration", duration)
	}
	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
