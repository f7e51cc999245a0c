package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sonateRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sonateRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sonate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sonateReceiptsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonate_receipts_issued_total",
		Help: "Total trust receipts issued.",
	})

	sonateReceiptVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_receipt_verifications_total",
		Help: "Total receipt verifications by result.",
	}, []string{"result"})

	sonateAuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_audit_events_total",
		Help: "Total audit events appended, by category.",
	}, []string{"category"})

	sonateChainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonate_chain_verifications_total",
		Help: "Total chain verification runs by chain and result.",
	}, []string{"chain", "result"})

	sonateKeyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonate_key_rotations_total",
		Help: "Total key rotations, scheduled and manual.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		sonateRequestsTotal.WithLabelValues(method, path, status).Inc()
		sonateRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordReceiptIssued records one issued receipt.
func RecordReceiptIssued() {
	sonateReceiptsIssuedTotal.Inc()
}

// RecordReceiptVerification records a receipt verification outcome.
func RecordReceiptVerification(valid bool) {
	sonateReceiptVerificationsTotal.WithLabelValues(resultLabel(valid)).Inc()
}

// RecordAuditEvent records one appended audit event.
func RecordAuditEvent(category string) {
	sonateAuditEventsTotal.WithLabelValues(category).Inc()
}

// RecordChainVerification records a chain verification run.
func RecordChainVerification(chain string, valid bool) {
	sonateChainVerificationsTotal.WithLabelValues(chain, resultLabel(valid)).Inc()
}

// RecordKeyRotation records one key rotation.
func RecordKeyRotation() {
	sonateKeyRotationsTotal.Inc()
}

func resultLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}
