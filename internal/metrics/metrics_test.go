package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCheckIn("ACCEPTED")
	m.SessionOpened()
	m.SessionClosed("expired")
	m.SetOpenSessions(3)
	m.ObserveSweep(time.Millisecond)
	m.ObserveDelivery(false)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCheckIn("ACCEPTED")
	m.ObserveCheckIn("ACCEPTED")
	m.ObserveCheckIn("BAD_CODE")
	m.ObserveDelivery(false)
	m.SetOpenSessions(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.checkIns.WithLabelValues("ACCEPTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkIns.WithLabelValues("BAD_CODE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionsOpen))
}
