package messaging

import "time"

// Send outcomes reported to MetricsCollector.RecordSend
const (
	OutcomeSuccess     = "success"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeNoReceiver  = "no_receiver"
	OutcomeRejected    = "rejected"
	OutcomeClosed      = "closed"
	OutcomeError       = "error"
)

// MetricsCollector collects conduit messaging metrics
type MetricsCollector interface {
	// RecordSend records a finished Send call
	RecordSend(topic string, duration time.Duration, outcome string)

	// RecordRetry records a send attempt after the first
	RecordRetry(topic string)

	// RecordTimeoutExtension records an extension; direction is "sent" or "received"
	RecordTimeoutExtension(topic string, direction string)

	// RecordHandler records one handler invocation on a receiver
	RecordHandler(topic string, duration time.Duration, success bool)

	// RecordCacheHit records a duplicate answered from the message cache
	RecordCacheHit(topic string)

	// RecordOwnershipLost records a topic whose lease renewal failed
	RecordOwnershipLost(topic string)

	// SetInFlight reports the current number of outstanding sends
	SetInFlight(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSend(string, time.Duration, string) {}
func (NoOpMetricsCollector) RecordRetry(string) {}
func (NoOpMetricsCollector) RecordTimeoutExtension(string, string) {}
func (NoOpMetricsCollector) RecordHandler(string, time.Duration, bool) {}
func (NoOpMetricsCollector) RecordCacheHit(string) {}
func (NoOpMetricsCollector) RecordOwnershipLost(string) {}
func (NoOpMetricsCollector) SetInFlight(int) {}

var _ MetricsCollector = NoOpMetricsCollector{}
