package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

// Mail outcomes recorded by the mailer.
const (
	MailOutcomeSent     = "sent"
	MailOutcomeFailed   = "failed"
	MailOutcomeQueued   = "queued"
	MailOutcomeInvalid  = "invalid"
	MailOutcomeDisabled = "disabled"
)

// MetricsSnapshot is a point-in-time summary of the counters.
type MetricsSnapshot struct {
	Evaluations   uint64    `json:"evaluations"`
	Diagnostics   uint64    `json:"diagnostics"`
	Transitions   uint64    `json:"transitions"`
	MailSent      uint64    `json:"mailSent"`
	MailFailed    uint64    `json:"mailFailed"`
	MailQueued    uint64    `json:"mailQueued"`
	CacheHitRatio float64   `json:"cacheHitRatio"`
	Goroutines    int       `json:"goroutines"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// MetricsService encapsulates Prometheus instrumentation for rules, requests and mail.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	ruleEvaluations *prometheus.CounterVec
	ruleDiagnostics *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	mailMessages    *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	cacheHitRatio   prometheus.Gauge
	cacheLookups    *prometheus.CounterVec

	evaluationCount uint64
	diagnosticCount uint64
	transitionCount uint64
	mailSentCount   uint64
	mailFailedCount uint64
	mailQueuedCount uint64
	cacheHitCount   uint64
	cacheMissCount  uint64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of ops HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	ruleEvaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_rule_evaluations_total",
		Help: "Rule tree evaluations by data type and outcome",
	}, []string{"datatype", "outcome"})

	ruleDiagnostics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_rule_diagnostics_total",
		Help: "Rules skipped during load or evaluation",
	}, []string{"reason"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_module_transitions_total",
		Help: "Module status transitions",
	}, []string{"from", "to"})

	mailMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_mail_messages_total",
		Help: "Mail messages by delivery mode and outcome",
	}, []string{"mode", "outcome"})

	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "extension_digest_flush_seconds",
		Help:    "Duration of digest queue flushes",
		Buckets: prometheus.DefBuckets,
	})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extension_digest_queue_entries",
		Help: "Digest queue entries by status",
	}, []string{"status"})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "extension_request_cache_hit_ratio",
		Help: "Ratio of request cache hits to lookups",
	})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_request_cache_lookups_total",
		Help: "Request cache lookups by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, ruleEvaluations, ruleDiagnostics, transitions, mailMessages,
		flushDuration, queueDepth, cacheHitRatio, cacheLookups, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		ruleEvaluations: ruleEvaluations,
		ruleDiagnostics: ruleDiagnostics,
		transitions:     transitions,
		mailMessages:    mailMessages,
		flushDuration:   flushDuration,
		queueDepth:      queueDepth,
		cacheHitRatio:   cacheHitRatio,
		cacheLookups:    cacheLookups,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records ops endpoint latency.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

// RecordEvaluation counts one evaluation pass.
func (m *MetricsService) RecordEvaluation(dataType string, matched bool) {
	if m == nil {
		return
	}
	outcome := "no_match"
	if matched {
		outcome = "match"
	}
	m.ruleEvaluations.WithLabelValues(dataType, outcome).Inc()
	atomic.AddUint64(&m.evaluationCount, 1)
}

// RecordDiagnostic counts a skipped rule.
func (m *MetricsService) RecordDiagnostic(reason string) {
	if m == nil {
		return
	}
	m.ruleDiagnostics.WithLabelValues(reason).Inc()
	atomic.AddUint64(&m.diagnosticCount, 1)
}

// RecordTransition counts a module status change.
func (m *MetricsService) RecordTransition(from, to models.ModuleStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	atomic.AddUint64(&m.transitionCount, 1)
}

// RecordMail counts a message outcome. mode is "immediate" or "digest".
func (m *MetricsService) RecordMail(mode, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mailMessages.WithLabelValues(mode, outcome).Add(float64(n))
	switch outcome {
	case MailOutcomeSent:
		atomic.AddUint64(&m.mailSentCount, uint64(n))
	case MailOutcomeFailed:
		atomic.AddUint64(&m.mailFailedCount, uint64(n))
	case MailOutcomeQueued:
		atomic.AddUint64(&m.mailQueuedCount, uint64(n))
	}
}

// ObserveFlush records one digest flush.
func (m *MetricsService) ObserveFlush(duration time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(duration.Seconds())
}

// SetQueueDepth publishes the per-status queue counts.
func (m *MetricsService) SetQueueDepth(counts map[models.QueueStatus]int64) {
	if m == nil {
		return
	}
	for _, status := range models.QueueStatuses() {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// RecordCacheOperation records a request cache lookup and updates the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// Snapshot returns aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	var ratio float64
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return MetricsSnapshot{
		Evaluations:   atomic.LoadUint64(&m.evaluationCount),
		Diagnostics:   atomic.LoadUint64(&m.diagnosticCount),
		Transitions:   atomic.LoadUint64(&m.transitionCount),
		MailSent:      atomic.LoadUint64(&m.mailSentCount),
		MailFailed:    atomic.LoadUint64(&m.mailFailedCount),
		MailQueued:    atomic.LoadUint64(&m.mailQueuedCount),
		CacheHitRatio: ratio,
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}
}
