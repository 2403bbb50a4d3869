// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts lifecycle transitions by action and outcome code
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dossier_transitions_total",
		Help: "Lifecycle transitions by action and result",
	}, []string{"action", "result"})

	// issuanceDuration tracks end-to-end issue latency, render and lock included
	issuanceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dossier_issuance_duration_seconds",
		Help:    "Issuance duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"result"})

	artifactVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dossier_artifact_verifications_total",
		Help: "Artifact integrity checks by status",
	}, []string{"status"})

	// writeLockRejectionsTotal counts mutations refused because the revision is issued or superseded
	writeLockRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dossier_write_lock_rejections_total",
		Help: "Mutations rejected by the write lock, by operation",
	}, []string{"operation"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dossier_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dossier_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

func ObserveTransition(action, result string) {
	transitionsTotal.WithLabelValues(action, result).Inc()
}

func ObserveIssuance(result string, d time.Duration) {
	issuanceDuration.WithLabelValues(result).Observe(d.Seconds())
}

func ObserveVerification(status string) {
	artifactVerificationsTotal.WithLabelValues(status).Inc()
}

func ObserveWriteLockRejection(operation string) {
	writeLockRejectionsTotal.WithLabelValues(operation).Inc()
}

func ObserveHTTPRequest(method, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, status).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
