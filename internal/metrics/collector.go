// Package metrics exposes Chess Buddy's Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chessbuddy"

// Metrics holds every collector the service records to.
type Metrics struct {
	registry *prometheus.Registry

	AnswersTotal        *prometheus.CounterVec
	LLMRequestsTotal    *prometheus.CounterVec
	LLMLatency          *prometheus.HistogramVec
	NormalizerFallbacks *prometheus.CounterVec
	RetrievedPassages   prometheus.Histogram
	CacheRequests       *prometheus.CounterVec
	VideoProcessTotal   *prometheus.CounterVec
	VideoStageDuration  *prometheus.HistogramVec
	DownloadAttempts    *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors plus the
// service metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		AnswersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Grounded answers by outcome and mode",
		}, []string{"outcome", "mode"}),
		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM API requests by provider and status",
		}, []string{"provider", "status"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		NormalizerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalizer_fallbacks_total",
			Help:      "Queries returned unchanged by the normalizer, by reason",
		}, []string{"reason"}),
		RetrievedPassages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieved_passages",
			Help:      "Passages above threshold per retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result",
		}, []string{"cache", "result"}),
		VideoProcessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_process_total",
			Help:      "Video processing requests by result",
		}, []string{"result"}),
		VideoStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "video_stage_seconds",
			Help:      "Duration of video pipeline stages",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage"}),
		DownloadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Video download attempts by strategy and result",
		}, []string{"strategy", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status code",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.AnswersTotal,
		m.LLMRequestsTotal,
		m.LLMLatency,
		m.NormalizerFallbacks,
		m.RetrievedPassages,
		m.CacheRequests,
		m.VideoProcessTotal,
		m.VideoStageDuration,
		m.DownloadAttempts,
		m.HTTPRequests,
	)
	return m
}

// Registry returns the underlying registry (used in tests and for extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchSize exports a gauge whose value is read from size at scrape time.
func (m *Metrics) WatchSize(cacheName string, size func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "cache_entries",
		Help:        "Entries currently held by a cache",
		ConstLabels: prometheus.Labels{"cache": cacheName},
	}, func() float64 { return float64(size()) }))
}

func (m *Metrics) Answer(outcome, mode string) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(outcome, mode).Inc()
}

func (m *Metrics) LLMRequest(provider string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	m.LLMLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) NormalizerFallback(reason string) {
	if m == nil {
		return
	}
	m.NormalizerFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retrieved(n int) {
	if m == nil {
		return
	}
	m.RetrievedPassages.Observe(float64(n))
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(name string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(name, "hit").Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(name string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(name, "miss").Inc()
}

func (m *Metrics) VideoProcessed(result string) {
	if m == nil {
		return
	}
	m.VideoProcessTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) VideoStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.VideoStageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) DownloadAttempt(strategy string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DownloadAttempts.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
