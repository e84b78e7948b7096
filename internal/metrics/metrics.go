// Package metrics defines teammem's Prometheus collectors. They live on a
// private registry so a short CLI run can export them to a node-exporter
// textfile without the Go runtime collectors.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	Registry *prometheus.Registry

	EventsExtracted     *prometheus.CounterVec
	ExtractionFailures  *prometheus.CounterVec
	RecordsDropped      *prometheus.CounterVec
	SummarizerFallbacks *prometheus.CounterVec
	SyncTotal           *prometheus.CounterVec
	SyncRetries         prometheus.Counter
	SyncDuration        prometheus.Histogram
}

// New registers a fresh set of collectors on a new registry.
//
// Metrics:
//   - teammem_events_extracted_total{tool}
//   - teammem_extraction_failures_total{tool}
//   - teammem_records_dropped_total{tool,reason}
//   - teammem_summarizer_fallbacks_total{reason}
//   - teammem_sync_total{result}: "committed", "pushed", "noop", "conflict", "error"
//   - teammem_sync_retries_total
//   - teammem_sync_duration_seconds
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teammem_events_extracted_total",
			Help: "Events produced by each extractor after normalization",
		}, []string{"tool"}),
		ExtractionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teammem_extraction_failures_total",
			Help: "Extractor runs that failed and contributed no events",
		}, []string{"tool"}),
		RecordsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teammem_records_dropped_total",
			Help: "Raw records dropped during normalization",
		}, []string{"tool", "reason"}),
		SummarizerFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teammem_summarizer_fallbacks_total",
			Help: "Summaries produced by the template fallback",
		}, []string{"reason"}),
		SyncTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "teammem_sync_total",
			Help: "Save and sync operations by result",
		}, []string{"result"}),
		SyncRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "teammem_sync_retries_total",
			Help: "Optimistic sync attempts repeated after the remote advanced",
		}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "teammem_sync_duration_seconds",
			Help:    "Wall time of save and sync operations",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Default returns the process-wide metrics, created on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// WriteTextfile atomically writes the registry in text exposition format
// for the node-exporter textfile collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
