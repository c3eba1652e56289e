package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the attendance collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	checkIns       *prometheus.CounterVec
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	sessionsOpen   prometheus.Gauge
	sweepDuration  prometheus.Histogram
	deliveries     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollcall",
			Name:      "checkins_total",
			Help:      "Check-in attempts by outcome.",
		}, []string{"outcome"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rollcall",
			Name:      "sessions_opened_total",
			Help:      "Attendance sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollcall",
			Name:      "sessions_closed_total",
			Help:      "Attendance sessions finalized, by reason.",
		}, []string{"reason"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rollcall",
			Name:      "sessions_open",
			Help:      "Sessions currently held in memory.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rollcall",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one expiration sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollcall",
			Name:      "deliveries_total",
			Help:      "Code deliveries by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.checkIns, m.sessionsOpened, m.sessionsClosed, m.sessionsOpen, m.sweepDuration, m.deliveries)
	}
	return m
}

func (m *Metrics) ObserveCheckIn(outcome string) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// SessionClosed counts a finalized session; reason is "closed" or "expired".
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsOpen.Set(float64(n))
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.deliveries.WithLabelValues(result).Inc()
}
