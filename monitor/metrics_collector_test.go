package monitor

import (
	"testing"
	"time"

	"github.com/glimte/conduit-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg, "orders")
	require.NoError(t, err)

	c.RecordSend("created", 20*time.Millisecond, messaging.OutcomeSuccess)
	c.RecordSend("created", time.Second, messaging.OutcomeTimeout)
	c.RecordSend("created", time.Second, messaging.OutcomeTimeout)
	c.RecordRetry("created")
	c.RecordTimeoutExtension("created", "sent")
	c.RecordHandler("created", 5*time.Millisecond, true)
	c.RecordHandler("created", 5*time.Millisecond, false)
	c.RecordCacheHit("created")
	c.RecordOwnershipLost("created")
	c.SetInFlight(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sends.WithLabelValues("created", messaging.OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sends.WithLabelValues("created", messaging.OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.timeoutExtensions.WithLabelValues("created", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handled.WithLabelValues("created", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ownershipLost.WithLabelValues("created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlight))

	assert.Equal(t, 1, testutil.CollectAndCount(c.sendDuration))
}

func TestPrometheusCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusCollector(reg, "orders")
	require.NoError(t, err)

	_, err = NewPrometheusCollector(reg, "orders")
	assert.Error(t, err)

	_, err = NewPrometheusCollector(prometheus.NewRegistry(), "payments")
	assert.NoError(t, err)
}
