package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the daemon-wide instrumentation surface. It satisfies the
// observer interfaces of the outbox dispatcher and the drift healer so those
// packages stay free of Prometheus imports.
type Metrics struct {
	transfersTotal      *prometheus.CounterVec
	transferDuration    prometheus.Histogram
	outboxDelivered     *prometheus.CounterVec
	offlineOpsTotal     *prometheus.CounterVec
	healOutcomes        *prometheus.CounterVec
	cleanupRunsTotal    *prometheus.CounterVec
	cleanupDeletedTotal prometheus.Counter
	cleanupLastRunUnix  prometheus.Gauge
	streamSubscribers   prometheus.Gauge
	requestDuration     *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on a caller-supplied registry. Tests pass a fresh
// registry so repeated construction cannot collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Fast-path transfers partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		transferDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "open_mmb",
				Subsystem: "ledger",
				Name:      "transfer_duration_seconds",
				Help:      "End-to-end fast-path transfer latency including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		outboxDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "outbox",
				Name:      "deliveries_total",
				Help:      "Outbox delivery outcomes.",
			},
			[]string{"outcome"},
		),
		offlineOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "offline",
				Name:      "operations_total",
				Help:      "Offline queue operations by outcome.",
			},
			[]string{"outcome"},
		),
		healOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "heal",
				Name:      "outcomes_total",
				Help:      "Drift healer outcomes by kind and reason.",
			},
			[]string{"kind", "reason"},
		),
		cleanupRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "idempotency",
				Name:      "cleanup_runs_total",
				Help:      "Idempotency retention runs partitioned by result.",
			},
			[]string{"result"},
		),
		cleanupDeletedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_mmb",
				Subsystem: "idempotency",
				Name:      "cleanup_deleted_total",
				Help:      "Total expired idempotency keys deleted.",
			},
		),
		cleanupLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_mmb",
				Subsystem: "idempotency",
				Name:      "cleanup_last_run_unix",
				Help:      "Unix time of the most recent retention run.",
			},
		),
		streamSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_mmb",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Currently connected websocket subscribers.",
			},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "open_mmb",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and status class.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "class"},
		),
	}
}

func (m *Metrics) ObserveTransfer(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
	m.transferDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOutboxPublished() {
	if m == nil {
		return
	}
	m.outboxDelivered.WithLabelValues("published").Inc()
}

func (m *Metrics) ObserveOutboxPoison() {
	if m == nil {
		return
	}
	m.outboxDelivered.WithLabelValues("poison").Inc()
}

func (m *Metrics) ObserveOutboxRetry() {
	if m == nil {
		return
	}
	m.outboxDelivered.WithLabelValues("retry").Inc()
}

func (m *Metrics) ObserveOfflineOp(outcome string) {
	if m == nil {
		return
	}
	m.offlineOpsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHealApplied(region string) {
	if m == nil {
		return
	}
	m.healOutcomes.WithLabelValues("applied", region).Inc()
}

func (m *Metrics) ObserveHealSkipped(reason string) {
	if m == nil {
		return
	}
	m.healOutcomes.WithLabelValues("skipped", reason).Inc()
}

func (m *Metrics) ObserveHealAlert(reason string) {
	if m == nil {
		return
	}
	m.healOutcomes.WithLabelValues("alert", reason).Inc()
}

func (m *Metrics) ObserveIdempotencyCleanup(deleted int64, err error) {
	if m == nil {
		return
	}
	m.cleanupLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.cleanupRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.cleanupRunsTotal.WithLabelValues("success").Inc()
	if deleted > 0 {
		m.cleanupDeletedTotal.Add(float64(deleted))
	}
}

func (m *Metrics) StreamSubscriberDelta(d float64) {
	if m == nil {
		return
	}
	m.streamSubscribers.Add(d)
}

func (m *Metrics) ObserveRequest(route, class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, class).Observe(elapsed.Seconds())
}
