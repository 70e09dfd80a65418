package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors the builder exports. It
// implements the orchestrator's Recorder.
type Metrics struct {
	builds      *prometheus.CounterVec
	cycles      *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the builder's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "element_builder_builds_total",
				Help: "Number of per-target builds, by outcome.",
			},
			[]string{"target", "result"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "element_builder_cycles_total",
				Help: "Number of complete build cycles, by outcome.",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "element_builder_cycle_duration_seconds",
				Help:    "Wall-clock duration of build cycles.",
				Buckets: prometheus.ExponentialBuckets(60, 2, 8),
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "element_builder_last_success_timestamp_seconds",
				Help: "Unix time of the last fully published cycle.",
			},
		),
	}
	reg.MustRegister(m.builds, m.cycles, m.duration, m.lastSuccess)
	return m
}

// RecordBuild counts one target build.
func (m *Metrics) RecordBuild(target string, success bool) {
	m.builds.WithLabelValues(target, result(success)).Inc()
}

// RecordCycle counts one complete cycle and its duration.
func (m *Metrics) RecordCycle(d time.Duration, success bool) {
	m.cycles.WithLabelValues(result(success)).Inc()
	m.duration.Observe(d.Seconds())
	if success {
		m.lastSuccess.SetToCurrentTime()
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
