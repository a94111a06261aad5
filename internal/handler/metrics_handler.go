package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-extension/internal/service"
	"github.com/noah-isme/sma-adp-extension/pkg/response"
)

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type digestRunner interface {
	RunOnce(ctx context.Context) (service.FlushReport, error)
}

// MetricsHandler exposes the ops endpoints of the extension service.
type MetricsHandler struct {
	metrics *service.MetricsService
	digest  digestRunner
	checks  []ReadinessCheck
	timeout time.Duration
}

// NewMetricsHandler constructs a metrics handler. digest may be nil when the
// scheduler is disabled.
func NewMetricsHandler(metrics *service.MetricsService, digest digestRunner, checks ...ReadinessCheck) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, digest: digest, checks: checks, timeout: 2 * time.Second}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready probes every dependency and reports each outcome.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			results[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// FlushDigest runs one digest flush outside the schedule.
func (h *MetricsHandler) FlushDigest(c *gin.Context) {
	if h.digest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "digest disabled"})
		return
	}
	report, err := h.digest.RunOnce(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	failures := make(map[string]string, len(report.Failures))
	for user, ferr := range report.Failures {
		failures[user] = ferr.Error()
	}
	response.JSON(c, http.StatusOK, gin.H{
		"batchId":    report.BatchID,
		"claimed":    report.Claimed,
		"recipients": report.Recipients,
		"sent":       report.Sent,
		"failed":     report.Failed,
		"failures":   failures,
	}, map[string]interface{}{"duration": report.Duration.String()})
}
