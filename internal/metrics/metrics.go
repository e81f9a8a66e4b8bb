// Package metrics exposes Prometheus collectors for the A2A security pipeline
// and dispatcher. All Record methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Pipeline
	StageResults *prometheus.CounterVec
	Rejections   *prometheus.CounterVec
	AuthResults  *prometheus.CounterVec

	// Scheduling
	QueueDepth      *prometheus.GaugeVec
	QuotaDowngrades *prometheus.CounterVec
	EnqueueRejected *prometheus.CounterVec

	// DNS
	DNSLookups        *prometheus.CounterVec
	DNSLookupDuration prometheus.Histogram

	// Dispatch
	Dispatches       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Audit
	AuditFlushes *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_pipeline_stage_total",
				Help: "Security pipeline stage outcomes",
			},
			[]string{"stage", "result"}, // result: success, failure, skipped
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_rejections_total",
				Help: "Messages rejected, by rejection kind",
			},
			[]string{"kind"},
		),
		AuthResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_authentication_total",
				Help: "Authentication attempts by credential type and reason",
			},
			[]string{"type", "reason"}, // reason "ok" on success
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2a_queue_depth",
				Help: "Messages waiting per priority queue",
			},
			[]string{"priority"},
		),
		QuotaDowngrades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_quota_downgrades_total",
				Help: "Messages downgraded because the sender's quota was exhausted",
			},
			[]string{"from", "to"},
		),
		EnqueueRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_enqueue_rejected_total",
				Help: "Messages refused because their queue was full",
			},
			[]string{"priority"},
		),
		DNSLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_dns_lookups_total",
				Help: "TXT lookups by outcome",
			},
			[]string{"outcome"}, // cache_hit, resolved, empty, timeout, error
		),
		DNSLookupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "a2a_dns_lookup_duration_seconds",
				Help:    "Latency of uncached TXT lookups",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_dispatch_total",
				Help: "Handler invocations by mode and result",
			},
			[]string{"mode", "result"}, // mode: immediate, queued
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_dispatch_duration_seconds",
				Help:    "Handler invocation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		AuditFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_audit_flush_total",
				Help: "Audit batches written per sink",
			},
			[]string{"sink", "result"},
		),
	}
}

func (m *Metrics) RecordStage(stage, result string) {
	if m == nil {
		return
	}
	m.StageResults.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) RecordRejection(kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAuth(credType, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.AuthResults.WithLabelValues(credType, reason).Inc()
}

func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *Metrics) RecordDowngrade(from, to string) {
	if m == nil {
		return
	}
	m.QuotaDowngrades.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordEnqueueRejected(priority string) {
	if m == nil {
		return
	}
	m.EnqueueRejected.WithLabelValues(priority).Inc()
}

func (m *Metrics) RecordDNSLookup(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DNSLookups.WithLabelValues(outcome).Inc()
	if outcome != "cache_hit" {
		m.DNSLookupDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordDispatch(agent, mode, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(mode, result).Inc()
	m.DispatchDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordAuditFlush(sink, result string) {
	if m == nil {
		return
	}
	m.AuditFlushes.WithLabelValues(sink, result).Inc()
}
