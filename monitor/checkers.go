package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/transport"
)

// TransportChecker checks broker connectivity
type TransportChecker struct {
	transport transport.Transport
}

// NewTransportChecker creates a new transport health checker
func NewTransportChecker(tr transport.Transport) *TransportChecker {
	return &TransportChecker{transport: tr}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	pinger, ok := c.transport.(transport.Pinger)
	if !ok {
		result.Status = StatusHealthy
		result.Message = "Transport does not support ping"
		result.Duration = time.Since(start)
		return result
	}

	if err := pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Transport ping failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Transport is reachable"
	result.Duration = time.Since(start)
	return result
}

// CoordinatorChecker checks the coordination backend and reports the
// number of live receivers
type CoordinatorChecker struct {
	coordinator coordination.Coordinator
}

// NewCoordinatorChecker creates a new coordination health checker
func NewCoordinatorChecker(coord coordination.Coordinator) *CoordinatorChecker {
	return &CoordinatorChecker{coordinator: coord}
}

func (c *CoordinatorChecker) Name() string {
	return "coordination"
}

func (c *CoordinatorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if pinger, ok := c.coordinator.(coordination.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "Coordination backend unreachable"
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
	}

	receivers, err := c.coordinator.GetActiveReceivers(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to list active receivers"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["active_receivers"] = len(receivers)
	if len(receivers) == 0 {
		result.Status = StatusDegraded
		result.Message = "No active receivers"
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d active receivers", len(receivers))
	}
	result.Duration = time.Since(start)
	return result
}

// ReceiverState is the view of a receiver the health check needs.
// *messaging.Receiver satisfies it.
type ReceiverState interface {
	ID() string
	IsRunning() bool
	OwnedTopics() []string
	ProcessingCount() int
}

// ReceiverChecker reports whether a local receiver is running
type ReceiverChecker struct {
	receiver ReceiverState
}

// NewReceiverChecker creates a checker for a local receiver
func NewReceiverChecker(receiver ReceiverState) *ReceiverChecker {
	return &ReceiverChecker{receiver: receiver}
}

func (c *ReceiverChecker) Name() string {
	return "receiver:" + c.receiver.ID()
}

func (c *ReceiverChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"owned_topics": c.receiver.OwnedTopics(),
			"processing":   c.receiver.ProcessingCount(),
		},
	}

	if c.receiver.IsRunning() {
		result.Status = StatusHealthy
		result.Message = "Receiver is running"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Receiver is stopped"
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags goroutine build-up, typically handlers stuck
// behind a slow dependency
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker. Non-positive
// thresholds fall back to 500 and 1000.
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	if warningThreshold <= 0 {
		warningThreshold = 500
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 1000
	}
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
