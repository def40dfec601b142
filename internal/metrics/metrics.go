// Package metrics exposes Prometheus instrumentation for the context pipeline.
//
// All recording methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agent_context"

// Metrics holds the pipeline collectors.
type Metrics struct {
	// CompilationsTotal counts compilations by outcome (success, error, pass_through).
	CompilationsTotal *prometheus.CounterVec

	// CompilationSeconds measures end-to-end compilation latency.
	CompilationSeconds prometheus.Histogram

	// ProcessorSeconds measures each pipeline stage.
	// Labels: processor, status (success, error, timeout)
	ProcessorSeconds *prometheus.HistogramVec

	// BudgetUtilization is the ratio of tokens used to the agent budget.
	BudgetUtilization prometheus.Histogram

	// HandoffsTotal counts scoped handoffs by mode.
	HandoffsTotal *prometheus.CounterVec

	// HandoffTokensSaved accumulates tokens removed by scoping.
	HandoffTokensSaved prometheus.Counter

	// CompactionsTotal counts compaction runs by method and outcome.
	CompactionsTotal *prometheus.CounterVec

	// MemoriesRetrieved counts memories returned by retrieval, by mode.
	MemoriesRetrieved *prometheus.CounterVec

	// MemoriesSwept counts expired memories removed by the sweeper.
	MemoriesSwept prometheus.Counter

	// ArtifactVersions counts artifact versions written.
	ArtifactVersions prometheus.Counter

	// CacheTokens counts provider-reported cache tokens by kind (read, write).
	CacheTokens *prometheus.CounterVec

	// CacheSavings accumulates the estimated cost saved by cache reads.
	CacheSavings prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		CompilationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compilations_total",
			Help: "Context compilations by outcome.",
		}, []string{"outcome"}),
		CompilationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "compilation_duration_seconds",
			Help:    "End-to-end context compilation latency.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ProcessorSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "processor_duration_seconds",
			Help:    "Pipeline processor latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor", "status"}),
		BudgetUtilization: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "budget_utilization_ratio",
			Help:    "Compiled tokens over the agent token budget.",
			Buckets: []float64{.1, .25, .5, .75, .9, 1},
		}),
		HandoffsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handoffs_total",
			Help: "Scoped handoffs by mode.",
		}, []string{"mode"}),
		HandoffTokensSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handoff_tokens_saved_total",
			Help: "Tokens removed from prior outputs by handoff scoping.",
		}),
		CompactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compactions_total",
			Help: "Session compactions by method and outcome.",
		}, []string{"method", "outcome"}),
		MemoriesRetrieved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "memories_retrieved_total",
			Help: "Memories returned by retrieval.",
		}, []string{"mode"}),
		MemoriesSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "memories_swept_total",
			Help: "Expired memories physically removed.",
		}),
		ArtifactVersions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "artifact_versions_total",
			Help: "Artifact versions written.",
		}),
		CacheTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_tokens_total",
			Help: "Provider-reported prompt cache tokens.",
		}, []string{"kind"}),
		CacheSavings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_savings_total",
			Help: "Estimated cost saved by prompt cache reads.",
		}),
	}
}

func (m *Metrics) ObserveCompilation(outcome string, d time.Duration, utilizationPct float64) {
	if m == nil {
		return
	}
	m.CompilationsTotal.WithLabelValues(outcome).Inc()
	m.CompilationSeconds.Observe(d.Seconds())
	if utilizationPct > 0 {
		m.BudgetUtilization.Observe(utilizationPct / 100)
	}
}

func (m *Metrics) ObserveProcessor(id, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessorSeconds.WithLabelValues(id, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveHandoff(mode string, tokensSaved int) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(mode).Inc()
	if tokensSaved > 0 {
		m.HandoffTokensSaved.Add(float64(tokensSaved))
	}
}

func (m *Metrics) ObserveCompaction(method, outcome string) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveRetrieval(mode string, n int) {
	if m == nil {
		return
	}
	m.MemoriesRetrieved.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) ObserveSweep(n int) {
	if m == nil {
		return
	}
	m.MemoriesSwept.Add(float64(n))
}

func (m *Metrics) ObserveArtifactVersion() {
	if m == nil {
		return
	}
	m.ArtifactVersions.Inc()
}

func (m *Metrics) ObserveCache(readTokens, writeTokens int, savings float64) {
	if m == nil {
		return
	}
	m.CacheTokens.WithLabelValues("read").Add(float64(readTokens))
	m.CacheTokens.WithLabelValues("write").Add(float64(writeTokens))
	if savings > 0 {
		m.CacheSavings.Add(savings)
	}
}
