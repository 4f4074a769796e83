// Package metrics provides Prometheus metrics for the ocrflow pipeline.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink holds all pipeline metrics. One Sink is owned by the orchestrator and
// injected into every component; counters are safe for concurrent update.
type Sink struct {
	// Page metrics
	PagesProcessed   prometheus.Counter
	PagesFallback    prometheus.Counter
	PageRetriesTotal *prometheus.CounterVec
	PageDuration     prometheus.Histogram

	// Document metrics
	DocumentsProcessed prometheus.Counter
	DocumentsFailed    prometheus.Counter

	// Batch metrics
	BatchesCompleted prometheus.Counter
	BatchesReleased  prometheus.Counter

	// Inference metrics
	InputTokens      prometheus.Counter
	OutputTokens     prometheus.Counter
	RequestsInFlight prometheus.Gauge
	RequestDuration  prometheus.Histogram
	NetworkRetries   prometheus.Counter

	// Snapshot counters kept alongside the Prometheus registry so a run
	// summary can be produced without scraping.
	pages     atomic.Int64
	fallbacks atomic.Int64
	retries   atomic.Int64
	docs      atomic.Int64
	docsFail  atomic.Int64
	completed atomic.Int64
	released  atomic.Int64
	inTokens  atomic.Int64
	outTokens atomic.Int64

	StartTime time.Time
}

// NewSink creates all metrics and registers them on the given registry.
func NewSink(reg prometheus.Registerer) *Sink {
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	s := &Sink{StartTime: time.Now()}
	s.PagesProcessed = factory("ocrflow_pages_processed_total", "Pages that produced a final result")
	s.PagesFallback = factory("ocrflow_pages_fallback_total", "Pages resolved as fallback stubs")
	s.DocumentsProcessed = factory("ocrflow_documents_processed_total", "Documents fully assembled")
	s.DocumentsFailed = factory("ocrflow_documents_failed_total", "Documents skipped due to unreadable source")
	s.BatchesCompleted = factory("ocrflow_batches_completed_total", "Work items marked done")
	s.BatchesReleased = factory("ocrflow_batches_released_total", "Work items released back to the queue")
	s.InputTokens = factory("ocrflow_input_tokens_total", "Prompt tokens consumed by the backend")
	s.OutputTokens = factory("ocrflow_output_tokens_total", "Completion tokens produced by the backend")
	s.NetworkRetries = factory("ocrflow_network_retries_total", "Transport-level retries issued by the inference client")

	s.PageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrflow_page_retries_total",
			Help: "Page attempt retries by cause",
		},
		[]string{"cause"},
	)
	reg.MustRegister(s.PageRetriesTotal)

	s.RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocrflow_inference_requests_in_flight",
		Help: "Inference requests currently admitted",
	})
	reg.MustRegister(s.RequestsInFlight)

	s.PageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrflow_page_duration_seconds",
		Help:    "Wall-clock time to resolve one page",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	reg.MustRegister(s.PageDuration)

	s.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocrflow_inference_request_duration_seconds",
		Help:    "Duration of inference requests",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
	})
	reg.MustRegister(s.RequestDuration)

	return s
}

// ObservePage records one resolved page.
func (s *Sink) ObservePage(fallback bool, inputTokens, outputTokens int, elapsed time.Duration) {
	s.PagesProcessed.Inc()
	s.PageDuration.Observe(elapsed.Seconds())
	s.pages.Add(1)
	if fallback {
		s.PagesFallback.Inc()
		s.fallbacks.Add(1)
	}
	s.InputTokens.Add(float64(inputTokens))
	s.OutputTokens.Add(float64(outputTokens))
	s.inTokens.Add(int64(inputTokens))
	s.outTokens.Add(int64(outputTokens))
}

// ObserveRetry records one page retry with its cause.
func (s *Sink) ObserveRetry(cause string) {
	s.PageRetriesTotal.WithLabelValues(cause).Inc()
	s.retries.Add(1)
}

// ObserveDocument records one finished document.
func (s *Sink) ObserveDocument(failed bool) {
	if failed {
		s.DocumentsFailed.Inc()
		s.docsFail.Add(1)
		return
	}
	s.DocumentsProcessed.Inc()
	s.docs.Add(1)
}

// ObserveBatchCompleted records a batch whose results were written and whose
// queue item was marked done.
func (s *Sink) ObserveBatchCompleted() {
	s.BatchesCompleted.Inc()
	s.completed.Add(1)
}

// ObserveBatchReleased records a batch returned to the queue for retry.
func (s *Sink) ObserveBatchReleased() {
	s.BatchesReleased.Inc()
	s.released.Add(1)
}

// Snapshot is a point-in-time copy of the run counters.
type Snapshot struct {
	Pages         int64
	FallbackPages int64
	Retries       int64
	Documents     int64
	FailedDocs    int64
	Completed     int64
	Released      int64
	InputTokens   int64
	OutputTokens  int64
	Elapsed       time.Duration
}

// Snapshot returns the current run counters.
func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		Pages:         s.pages.Load(),
		FallbackPages: s.fallbacks.Load(),
		Retries:       s.retries.Load(),
		Documents:     s.docs.Load(),
		FailedDocs:    s.docsFail.Load(),
		Completed:     s.completed.Load(),
		Released:      s.released.Load(),
		InputTokens:   s.inTokens.Load(),
		OutputTokens:  s.outTokens.Load(),
		Elapsed:       time.Since(s.StartTime),
	}
}

// FallbackRate returns the fraction of pages resolved as fallback stubs.
func (s Snapshot) FallbackRate() float64 {
	if s.Pages == 0 {
		return 0
	}
	return float64(s.FallbackPages) / float64(s.Pages)
}
