package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"car-sales-pipeline/models"
)

// Manager owns the pipeline's Prometheus collectors. A nil or disabled
// Manager accepts every call and records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      map[string]string
	registry         *prometheus.Registry

	rawRows             prometheus.Gauge
	cleanedRows         prometheus.Gauge
	droppedRows         *prometheus.GaugeVec
	aggregationDuration *prometheus.HistogramVec
	failures            *prometheus.CounterVec
	datasetsWritten     prometheus.Counter
	correctionRows      *prometheus.CounterVec
	runDuration         prometheus.Gauge
	lastSuccess         prometheus.Gauge
}

// NewManager creates a Manager registered on its own registry unless
// WithRegistry supplies one.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "carsales",
		subsystem:        "pipeline",
		histogramBuckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		enabled:          true,
		constLabels:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	if m.enabled {
		m.initializeMetrics()
	}
	return m
}

func (m *Manager) initializeMetrics() {
	f := promauto.With(m.registry)
	labels := prometheus.Labels(m.constLabels)

	m.rawRows = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "raw_rows", Help: "Rows read from the raw dataset in the last run.",
	})
	m.cleanedRows = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "cleaned_rows", Help: "Rows in the cleaned dataset after the last run.",
	})
	m.droppedRows = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "dropped_rows", Help: "Raw rows dropped during cleaning, by reason.",
	}, []string{"reason"})
	m.aggregationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "aggregation_duration_seconds", Help: "Time spent computing and saving one summary dataset.",
		Buckets: m.histogramBuckets,
	}, []string{"definition"})
	m.failures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "failures_total", Help: "Failures recorded during runs, by stage.",
	}, []string{"stage"})
	m.datasetsWritten = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "datasets_written_total", Help: "Summary datasets successfully written.",
	})
	m.correctionRows = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "correction_rows_affected_total", Help: "Rows changed by correction rules, by target dataset.",
	}, []string{"target"})
	m.runDuration = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "run_duration_seconds", Help: "Wall time of the last run.",
	})
	m.lastSuccess = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: "last_success_timestamp_seconds", Help: "Unix time of the last run that finished without failures.",
	})

	for _, reason := range []string{models.DropTypeMismatch, models.DropDuplicate, models.DropInvalidPrice, models.DropMissingRequired} {
		m.droppedRows.WithLabelValues(reason)
	}
}

func (m *Manager) active() bool { return m != nil && m.enabled }

// Registry returns the registry the collectors live on.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordClean publishes the row counts of the cleaning stage.
func (m *Manager) RecordClean(stats models.CleanStats) {
	if !m.active() {
		return
	}
	m.rawRows.Set(float64(stats.InputRows))
	m.cleanedRows.Set(float64(stats.OutputRows))
	for reason, n := range stats.Dropped {
		m.droppedRows.WithLabelValues(reason).Set(float64(n))
	}
}

// ObserveAggregation records how long one definition took.
func (m *Manager) ObserveAggregation(definition string, d time.Duration) {
	if !m.active() {
		return
	}
	m.aggregationDuration.WithLabelValues(definition).Observe(d.Seconds())
}

// IncFailure counts one failure in the given stage.
func (m *Manager) IncFailure(stage string) {
	if !m.active() {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

// IncDatasetsWritten counts one saved summary dataset.
func (m *Manager) IncDatasetsWritten() {
	if !m.active() {
		return
	}
	m.datasetsWritten.Inc()
}

// AddCorrectionRows counts rows changed by a correction on target.
func (m *Manager) AddCorrectionRows(target string, n int) {
	if !m.active() {
		return
	}
	m.correctionRows.WithLabelValues(target).Add(float64(n))
}

// RecordRun publishes the run's wall time and, when ok, its finish time.
func (m *Manager) RecordRun(d time.Duration, ok bool, finished time.Time) {
	if !m.active() {
		return
	}
	m.runDuration.Set(d.Seconds())
	if ok {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

// WriteTextfile writes every collected metric to path in the text
// exposition format read by the node exporter's textfile collector.
func (m *Manager) WriteTextfile(path string) error {
	if !m.active() {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("metrics: write textfile %s: %w", path, err)
	}
	return nil
}
