// Package metrics exposes Prometheus instrumentation for the multidoc host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks sub-document lifecycle counts and durations.
type Metrics struct {
	Attached          *prometheus.CounterVec
	Closed            *prometheus.CounterVec
	Purged            prometheus.Counter
	Live              prometheus.Gauge
	BroadcastsSent    prometheus.Counter
	BroadcastsFanout  prometheus.Histogram
	HeadElements      *prometheus.CounterVec
	ReadyDuration     prometheus.Histogram
	CloseConfirmation *prometheus.HistogramVec
}

// New registers every metric with reg. A nil reg registers into a fresh
// private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Attached: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multidoc_documents_attached_total",
			Help: "Total number of sub-documents attached, by population strategy",
		}, []string{"strategy"}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multidoc_documents_closed_total",
			Help: "Total number of sub-documents closed, by reason",
		}, []string{"reason"}),
		Purged: f.NewCounter(prometheus.CounterOpts{
			Name: "multidoc_documents_purged_total",
			Help: "Total number of sub-documents reaped after their host was detached",
		}),
		Live: f.NewGauge(prometheus.GaugeOpts{
			Name: "multidoc_documents_live",
			Help: "Number of registered sub-documents",
		}),
		BroadcastsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "multidoc_broadcasts_total",
			Help: "Total number of broadcasts sent by sub-documents",
		}),
		BroadcastsFanout: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "multidoc_broadcast_fanout",
			Help:    "Number of targets per broadcast",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		HeadElements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multidoc_head_elements_total",
			Help: "Head elements seen while merging, by classification",
		}, []string{"kind"}),
		ReadyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "multidoc_ready_duration_seconds",
			Help:    "Time from attach to ready",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		CloseConfirmation: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "multidoc_close_confirmation_seconds",
			Help:    "Time from close to confirmation, by outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.015, 0.025, 0.05},
		}, []string{"outcome"}),
	}
}

// Strategy labels.
const (
	StrategyMaterialized = "materialized"
	StrategyStreaming    = "streaming"
)

// Close reasons.
const (
	ReasonExplicit = "explicit"
	ReasonReplaced = "replaced"
	ReasonPurged   = "purged"
)

// Close outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeTimeout   = "timeout"
)

// IncAttached records an attach.
func (m *Metrics) IncAttached(strategy string) {
	m.Attached.WithLabelValues(strategy).Inc()
	m.Live.Inc()
}

// IncClosed records a close.
func (m *Metrics) IncClosed(reason string) {
	m.Closed.WithLabelValues(reason).Inc()
	m.Live.Dec()
	if reason == ReasonPurged {
		m.Purged.Inc()
	}
}

// ObserveBroadcast records one broadcast and its fan-out.
func (m *Metrics) ObserveBroadcast(targets int) {
	m.BroadcastsSent.Inc()
	m.BroadcastsFanout.Observe(float64(targets))
}

// IncHeadElement records one classified head element.
func (m *Metrics) IncHeadElement(kind string) {
	m.HeadElements.WithLabelValues(kind).Inc()
}

// ObserveReady records the attach-to-ready duration.
func (m *Metrics) ObserveReady(d time.Duration) {
	m.ReadyDuration.Observe(d.Seconds())
}

// ObserveCloseConfirmation records how long a close waited and how it ended.
func (m *Metrics) ObserveCloseConfirmation(outcome string, d time.Duration) {
	m.CloseConfirmation.WithLabelValues(outcome).Observe(d.Seconds())
}
