// Package telemetry exposes prometheus collectors for research runs and LLM
// calls, and sets up the otel tracer provider.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

const namespace = "deepresearch"

// Metrics implements research.Metrics and llm.Observer.
type Metrics struct {
	searches          *prometheus.CounterVec
	scrapes           *prometheus.CounterVec
	retries           *prometheus.CounterVec
	llmCalls          *prometheus.CounterVec
	llmLatency        *prometheus.HistogramVec
	compactions       prometheus.Counter
	compactedTopics   prometheus.Counter
	compactionSeconds prometheus.Histogram
	treeTokens        *prometheus.GaugeVec
	runs              *prometheus.CounterVec
	runSeconds        prometheus.Histogram
}

var (
	_ research.Metrics = (*Metrics)(nil)
	_ llm.Observer     = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "searches_total", Help: "Web searches by result.",
		}, []string{"result"}),
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scrapes_total", Help: "Url resolutions by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total", Help: "Retried search and scrape attempts.",
		}, []string{"op"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_calls_total", Help: "LLM calls by model, method and result.",
		}, []string{"model", "method", "result"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "llm_call_seconds", Help: "LLM call latency.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model", "method"}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compactions_total", Help: "Compaction passes.",
		}),
		compactedTopics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compacted_topics_total", Help: "Topics summarised by compaction.",
		}),
		compactionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "compaction_seconds", Help: "Compaction pass duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		treeTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tree_tokens", Help: "Last measured tree size per run.",
		}, []string{"run_id"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total", Help: "Finished runs by stop reason.",
		}, []string{"status"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_seconds", Help: "Run duration.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.searches, m.scrapes, m.retries, m.llmCalls, m.llmLatency,
			m.compactions, m.compactedTopics, m.compactionSeconds, m.treeTokens, m.runs, m.runSeconds)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveSearch(err error) {
	m.searches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveScrape(outcome string) {
	m.scrapes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveCompaction(topics int, elapsed time.Duration) {
	m.compactions.Inc()
	m.compactedTopics.Add(float64(topics))
	m.compactionSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) SetTreeTokens(runID string, tokens int64) {
	m.treeTokens.WithLabelValues(runID).Set(float64(tokens))
}

// ObserveRun records a finished run. The server calls ForgetRun once the run
// is evicted.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	m.runs.WithLabelValues(status).Inc()
	m.runSeconds.Observe(elapsed.Seconds())
}

// ForgetRun removes the per-run series of runID.
func (m *Metrics) ForgetRun(runID string) {
	m.treeTokens.DeleteLabelValues(runID)
}

func (m *Metrics) ObserveLLMCall(model, method string, elapsed time.Duration, err error) {
	m.llmCalls.WithLabelValues(model, method, result(err)).Inc()
	m.llmLatency.WithLabelValues(model, method).Observe(elapsed.Seconds())
}
