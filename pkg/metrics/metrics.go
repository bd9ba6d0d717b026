// Package metrics defines the Prometheus collectors of the index builder and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "index_builder"

// BuildMetrics holds all Prometheus collectors for the build pipeline. A nil
// *BuildMetrics is valid and records nothing.
type BuildMetrics struct {
	WorkItemsTotal        *prometheus.CounterVec
	WorkItemDuration      *prometheus.HistogramVec
	GroupsCoalescedTotal  prometheus.Counter
	BatchesTotal          *prometheus.CounterVec
	BatchDocuments        prometheus.Histogram
	BatchDuration         prometheus.Histogram
	DocsBuiltTotal        *prometheus.CounterVec
	SectionOverflowsTotal prometheus.Counter
	MemoryQuotaUsed       prometheus.Gauge
	QueueDepth            prometheus.Gauge
	SegmentsDumpedTotal   *prometheus.CounterVec
	BuildingSegmentDocs   prometheus.Gauge
	HookFailuresTotal     *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(reg prometheus.Registerer) *BuildMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &BuildMetrics{
		WorkItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_total",
				Help:      "Work items processed by pool and status (ok, error).",
			},
			[]string{"pool", "status"},
		),
		WorkItemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "work_item_duration_seconds",
				Help:      "Work item processing time in seconds.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"pool"},
		),
		GroupsCoalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_coalesced_total",
				Help:      "Groups created past the group limit and routed to the shared overflow group.",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_built_total",
				Help:      "Build batches finished by status (ok, error).",
			},
			[]string{"status"},
		),
		BatchDocuments: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_documents",
				Help:      "Documents per build batch.",
				Buckets:   []float64{1, 8, 16, 32, 64, 128, 256, 512, 1024},
			},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time from batch start to its finish hook in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		DocsBuiltTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "docs_built_total",
				Help:      "Documents built by operation (add, update, delete, skipped, failed).",
			},
			[]string{"op"},
		),
		SectionOverflowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "section_attribute_overflow_total",
				Help:      "Documents whose sections were truncated at the per-document section limit.",
			},
		),
		MemoryQuotaUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_quota_used",
				Help:      "Documents currently holding build memory quota.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Work items waiting in the build pools.",
			},
		),
		SegmentsDumpedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_dumped_total",
				Help:      "Segment dumps by status (ok, error).",
			},
			[]string{"status"},
		),
		BuildingSegmentDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "building_segment_docs",
				Help:      "Doc ids allocated in the building segment.",
			},
		),
		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_hook_failures_total",
				Help:      "Batch finish hook failures by hook.",
			},
			[]string{"hook"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.WorkItemsTotal,
		m.WorkItemDuration,
		m.GroupsCoalescedTotal,
		m.BatchesTotal,
		m.BatchDocuments,
		m.BatchDuration,
		m.DocsBuiltTotal,
		m.SectionOverflowsTotal,
		m.MemoryQuotaUsed,
		m.QueueDepth,
		m.SegmentsDumpedTotal,
		m.BuildingSegmentDocs,
		m.HookFailuresTotal,
		m.CircuitBreakerState,
	)

	return m
}

// WorkItemFinished records one processed work item or batch hook.
func (m *BuildMetrics) WorkItemFinished(pool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.WorkItemsTotal.WithLabelValues(pool, status(err)).Inc()
	m.WorkItemDuration.WithLabelValues(pool).Observe(elapsed.Seconds())
}

func (m *BuildMetrics) GroupCoalesced(string) {
	if m == nil {
		return
	}
	m.GroupsCoalescedTotal.Inc()
}

// BatchFinished records a finished batch and its per-operation document
// counts.
func (m *BuildMetrics) BatchFinished(docs int, elapsed time.Duration, ops map[string]int, err error) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(status(err)).Inc()
	m.BatchDocuments.Observe(float64(docs))
	m.BatchDuration.Observe(elapsed.Seconds())
	for op, n := range ops {
		if n > 0 {
			m.DocsBuiltTotal.WithLabelValues(op).Add(float64(n))
		}
	}
}

func (m *BuildMetrics) SectionOverflows(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SectionOverflowsTotal.Add(float64(n))
}

// Resources samples quota use, pool queue depth and building segment size.
func (m *BuildMetrics) Resources(quotaUsed int64, queueDepth int, buildingDocs int32) {
	if m == nil {
		return
	}
	m.MemoryQuotaUsed.Set(float64(quotaUsed))
	m.QueueDepth.Set(float64(queueDepth))
	m.BuildingSegmentDocs.Set(float64(buildingDocs))
}

func (m *BuildMetrics) SegmentDumped(err error) {
	if m == nil {
		return
	}
	m.SegmentsDumpedTotal.WithLabelValues(status(err)).Inc()
}

func (m *BuildMetrics) HookFailed(hook string) {
	if m == nil {
		return
	}
	m.HookFailuresTotal.WithLabelValues(hook).Inc()
}

// BreakerState publishes a circuit breaker transition.
func (m *BuildMetrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus scrape HTTP handler for g, or for the
// default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
