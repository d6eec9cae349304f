// Package metrics owns the Prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tradealerts"

// Set groups every collector the pipeline reports.
type Set struct {
	Registry *prometheus.Registry

	Submitted   prometheus.Counter
	Accepted    prometheus.Counter
	Duplicates  prometheus.Counter
	RateLimited prometheus.Counter
	Expired     prometheus.Counter
	Superseded  prometheus.Counter
	QueueDepth  prometheus.Gauge
	InFlight    prometheus.Gauge

	DeliveryAttempts *prometheus.CounterVec
	AttemptLatency   *prometheus.HistogramVec
	FirstDelivery    prometheus.Histogram
	DeliveryFailed   prometheus.Counter
	OpsAlerts        prometheus.Counter

	Detections  *prometheus.CounterVec
	AuditWrites *prometheus.CounterVec
}

// New registers a fresh collector set on its own registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "submitted_total",
			Help: "Alert records submitted to admission control.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "accepted_total",
			Help: "Alert records admitted.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "duplicates_total",
			Help: "Alert records rejected as duplicates within the dedup TTL.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "rate_limited_total",
			Help: "Alert records rejected by the per pattern/instrument rate limit.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "expired_total",
			Help: "Admitted records that outlived the alert TTL while waiting.",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "superseded_total",
			Help: "Waiting records replaced by a newer record with the same dedup key.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Admitted records waiting for an in-flight slot.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "in_flight",
			Help: "Records currently being delivered.",
		}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Channel delivery attempts by outcome.",
		}, []string{"channel", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempt_latency_seconds",
			Help:    "Latency of a single channel attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"channel"}),
		FirstDelivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "first_success_seconds",
			Help:    "Time from detection to first successful delivery on any channel.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		DeliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "exhausted_total",
			Help: "Records that exhausted every channel.",
		}),
		OpsAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "ops_alerts_total",
			Help: "Operational alerts raised.",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "detect", Name: "opportunities_total",
			Help: "Opportunities emitted by the detection engine.",
		}, []string{"pattern", "direction"}),
		AuditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "writes_total",
			Help: "Audit rows written by relation and result.",
		}, []string{"relation", "result"}),
	}

	s.Registry = reg
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.Submitted, s.Accepted, s.Duplicates, s.RateLimited, s.Expired, s.Superseded,
		s.QueueDepth, s.InFlight,
		s.DeliveryAttempts, s.AttemptLatency, s.FirstDelivery, s.DeliveryFailed, s.OpsAlerts,
		s.Detections, s.AuditWrites,
	)
	return s
}
