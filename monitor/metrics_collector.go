package monitor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/conduit-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conduit"

// PrometheusCollector implements messaging.MetricsCollector on top of
// Prometheus client metrics. One collector can be shared by every sender
// and receiver of a process.
type PrometheusCollector struct {
	sends             *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	timeoutExtensions *prometheus.CounterVec
	handled           *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	ownershipLost     *prometheus.CounterVec
	inFlight          prometheus.Gauge
}

// NewPrometheusCollector creates the conduit metrics and registers them
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer, conduitID string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"conduit": conduitID}

	c := &PrometheusCollector{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sender",
			Name:        "sends_total",
			ConstLabels: labels,
			Help:        "Total number of finished sends by outcome",
		}, []string{"topic", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sender",
			Name:        "send_duration_seconds",
			ConstLabels: labels,
			Help:        "Time from Send call to final result",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"topic"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sender",
			Name:        "retries_total",
			ConstLabels: labels,
			Help:        "Total number of send attempts after the first",
		}, []string{"topic"}),
		timeoutExtensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "timeout_extensions_total",
			ConstLabels: labels,
			Help:        "Timeout extensions sent by receivers or received by senders",
		}, []string{"topic", "direction"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "receiver",
			Name:        "handled_total",
			ConstLabels: labels,
			Help:        "Total number of handler invocations",
		}, []string{"topic", "success"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "receiver",
			Name:        "handler_duration_seconds",
			ConstLabels: labels,
			Help:        "Handler execution time",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"topic"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "receiver",
			Name:        "cache_hits_total",
			ConstLabels: labels,
			Help:        "Duplicate requests answered from the message cache",
		}, []string{"topic"}),
		ownershipLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "receiver",
			Name:        "ownership_lost_total",
			ConstLabels: labels,
			Help:        "Topic leases that could not be renewed",
		}, []string{"topic"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sender",
			Name:        "in_flight",
			ConstLabels: labels,
			Help:        "Current number of outstanding sends",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.sends, c.sendDuration, c.retries, c.timeoutExtensions,
		c.handled, c.handlerDuration, c.cacheHits, c.ownershipLost, c.inFlight,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register conduit metrics: %w", err)
		}
	}

	return c, nil
}

// RecordSend implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordSend(topic string, duration time.Duration, outcome string) {
	c.sends.WithLabelValues(topic, outcome).Inc()
	c.sendDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordRetry implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRetry(topic string) {
	c.retries.WithLabelValues(topic).Inc()
}

// RecordTimeoutExtension implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordTimeoutExtension(topic string, direction string) {
	c.timeoutExtensions.WithLabelValues(topic, direction).Inc()
}

// RecordHandler implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordHandler(topic string, duration time.Duration, success bool) {
	c.handled.WithLabelValues(topic, strconv.FormatBool(success)).Inc()
	c.handlerDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordCacheHit implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordCacheHit(topic string) {
	c.cacheHits.WithLabelValues(topic).Inc()
}

// RecordOwnershipLost implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordOwnershipLost(topic string) {
	c.ownershipLost.WithLabelValues(topic).Inc()
}

// SetInFlight implements messaging.MetricsCollector
func (c *PrometheusCollector) SetInFlight(count int) {
	c.inFlight.Set(float64(count))
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
