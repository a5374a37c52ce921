package localize

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "maplocalizer"

// Cycle outcomes used as metric labels.
const (
	OutcomeLocalized = "localized"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeError     = "error"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	ValidEstimates prometheus.Histogram
	WindowSize     prometheus.Histogram
	FramesReceived *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	RetryCount     prometheus.Gauge
	Localized      prometheus.Gauge
	Keyframes      prometheus.Gauge
	HTTPDuration   *prometheus.HistogramVec
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_total",
			Help:      "Localization cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a localization cycle",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ValidEstimates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "valid_estimates",
			Help:      "Valid relative pose estimates per cycle",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8, 13},
		}),
		WindowSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "search_window_keyframes",
			Help:      "Keyframes searched per cycle",
			Buckets:   prometheus.ExponentialBuckets(5, 1.8, 10),
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames offered to the mailbox by source",
		}, []string{"source"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because the mailbox was full",
		}),
		RetryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "retry_count",
			Help:      "Consecutive failed cycles",
		}),
		Localized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "localized",
			Help:      "1 when localized, 0 otherwise",
		}),
		Keyframes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "keyframes",
			Help:      "Keyframes in the loaded map",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Cycles, m.CycleDuration, m.ValidEstimates, m.WindowSize,
			m.FramesReceived, m.FramesDropped, m.RetryCount, m.Localized,
			m.Keyframes, m.HTTPDuration, m.HTTPRequests,
		)
	}
	return m
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(res CycleResult, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(res.Outcome()).Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.ValidEstimates.Observe(float64(res.ValidEstimates()))
	m.WindowSize.Observe(float64(res.WindowSize))
	m.RetryCount.Set(float64(res.State.RetryCount))
	if res.State.Status == Localized {
		m.Localized.Set(1)
	} else {
		m.Localized.Set(0)
	}
}
