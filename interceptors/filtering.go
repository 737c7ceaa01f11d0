package interceptors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/conduit-go/messaging"
)

// ErrFiltered is returned when a FilteringInterceptor rejects a message
// configured with SkipWithError
var ErrFiltered = errors.New("message filtered")

// TopicFilter decides whether a topic is processed
type TopicFilter func(topic string) bool

// AllowTopics accepts only the listed topics. A trailing "*" matches a prefix.
func AllowTopics(patterns ...string) TopicFilter {
	return func(topic string) bool {
		return matchAny(topic, patterns)
	}
}

// DenyTopics rejects the listed topics. A trailing "*" matches a prefix.
func DenyTopics(patterns ...string) TopicFilter {
	return func(topic string) bool {
		return !matchAny(topic, patterns)
	}
}

func matchAny(topic string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(topic, prefix) {
				return true
			}
		} else if p == topic {
			return true
		}
	}
	return false
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently answers with a successful empty result
	SkipSilently SkipBehavior = iota
	// SkipWithError answers with a failed response wrapping ErrFiltered
	SkipWithError
)

// FilteringInterceptor filters messages by topic
type FilteringInterceptor struct {
	filter       TopicFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter TopicFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, topic string, payload json.RawMessage, next messaging.Handler) (any, error) {
	if i.filter(topic) {
		return next(ctx, topic, payload)
	}
	if i.skipBehavior == SkipWithError {
		return nil, fmt.Errorf("%w: topic %s", ErrFiltered, topic)
	}
	return nil, nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}
