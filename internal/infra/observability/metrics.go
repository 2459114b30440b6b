package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// Metrics holds all Prometheus metrics for the analysis service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	rowsClassified    *prometheus.CounterVec
	tags              *prometheus.CounterVec
	flowRecords       *prometheus.CounterVec
	traceTruncations  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	softFailures      *prometheus.CounterVec
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	externalErrors    *prometheus.CounterVec
}

// Label values the snapshot reports on.
var (
	snapshotLabels    = []string{string(domain.LabelTransfer), string(domain.LabelDeposit), string(domain.LabelWithdrawal)}
	snapshotTags      = []string{"work_income", "property_income", "rental_income", "vehicle_income", "securities_income", "large_income", "large_expense"}
	snapshotKinds     = []string{string(domain.FlowDirect), string(domain.FlowIndirect), string(domain.FlowMonthlySummary)}
	snapshotTruncates = []string{"deadline", "branch_budget", "record_cap"}
	snapshotSoft      = []string{"missing_column", "coerced_cell", "missing_timestamp", "sink"}
	snapshotServices  = []string{"ledger-source", "report-sink"}
)

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		rowsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_rows_classified_total",
				Help: "Rows labeled by the cash classifier.",
			},
			[]string{"platform", "label"},
		),
		tags: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_tags_total",
				Help: "Attribute tags set by the tagger.",
			},
			[]string{"tag"},
		),
		flowRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_flow_records_total",
				Help: "Flow records emitted by the tracer.",
			},
			[]string{"kind"},
		),
		traceTruncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_trace_truncations_total",
				Help: "Tracing runs cut short by a budget.",
			},
			[]string{"reason"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundflow_operation_duration_seconds",
				Help:    "Duration of analysis operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		softFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_soft_failures_total",
				Help: "Data problems degraded to warnings.",
			},
			[]string{"kind"},
		),
		cacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fundflow_cache_hits_total",
				Help: "Case report cache hits.",
			},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fundflow_cache_misses_total",
				Help: "Case report cache misses.",
			},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundflow_external_errors_total",
				Help: "Total errors from external collaborators.",
			},
			[]string{"service"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// AddClassified adds n rows with the given label.
func (m *Metrics) AddClassified(platform domain.Platform, label domain.CashLabel, n int) {
	if n > 0 {
		m.rowsClassified.WithLabelValues(string(platform), string(label)).Add(float64(n))
	}
}

// AddTag adds n occurrences of a tag.
func (m *Metrics) AddTag(tag string, n int) {
	if n > 0 {
		m.tags.WithLabelValues(tag).Add(float64(n))
	}
}

// AddFlowRecords adds n emitted records of a kind.
func (m *Metrics) AddFlowRecords(kind domain.FlowKind, n int) {
	if n > 0 {
		m.flowRecords.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// IncrTruncation counts a tracing run cut short for reason.
func (m *Metrics) IncrTruncation(reason string) {
	m.traceTruncations.WithLabelValues(reason).Inc()
}

// AddSoftFailures counts n degraded data problems of a kind.
func (m *Metrics) AddSoftFailures(kind string, n int) {
	if n > 0 {
		m.softFailures.WithLabelValues(kind).Add(float64(n))
	}
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit() { m.cacheHits.Inc() }

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss() { m.cacheMisses.Inc() }

// Snapshot returns current counter values for GET /v1/metrics/summary.
func (m *Metrics) Snapshot() *domain.MetricsSummary {
	hits := counterValue(m.cacheHits)
	misses := counterValue(m.cacheMisses)
	rate := float64(0)
	if hits+misses > 0 {
		rate = hits / (hits + misses)
	}

	rows := make(map[string]float64)
	for _, p := range domain.Platforms {
		for _, l := range snapshotLabels {
			if v := getCounterValue(m.rowsClassified, string(p), l); v > 0 {
				rows[string(p)+"/"+l] = v
			}
		}
	}

	return &domain.MetricsSummary{
		RowsClassified:   rows,
		Tags:             collect(m.tags, snapshotTags),
		FlowRecords:      collect(m.flowRecords, snapshotKinds),
		TraceTruncations: collect(m.traceTruncations, snapshotTruncates),
		SoftFailures:     collect(m.softFailures, snapshotSoft),
		ExternalErrors:   collect(m.externalErrors, snapshotServices),
		CacheHitRate:     rate,
	}
}

func collect(cv *prometheus.CounterVec, labels []string) map[string]float64 {
	out := make(map[string]float64, len(labels))
	for _, l := range labels {
		out[l] = getCounterValue(cv, l)
	}
	return out
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	return counterValue(cv.WithLabelValues(labels...))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
