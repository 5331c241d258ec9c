// Package metrics exposes the proxy's operational Prometheus metrics:
// request outcomes, latency distributions, fallbacks, limiter rejections,
// and in-flight counts. These are process-local and feed dashboards and
// alerting; routing decisions read the stats store, never these.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelrelay"

// LatencyBuckets covers chat-completion latencies: sub-second for cache-warm
// non-streaming calls up to minutes for long generations.
var LatencyBuckets = []float64{
	0.005, 0.00625, 0.0125, 0.025, 0.05, 0.1, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5.0,
	5.5, 6.0, 6.5, 7.0, 7.5, 8.0, 8.5, 9.0, 9.5,
	10.0, 15.0, 20.0, 25.0, 30.0, 60.0, 120.0,
	180.0, 240.0, 300.0,
}

var (
	// RequestsTotal counts completed proxy requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed proxy requests",
		},
		[]string{"model", "backend", "status", "code"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "backend"},
	)

	// TimeToFirstToken tracks upstream first-byte latency per stream mode.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first upstream byte in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "backend", "stream_type"},
	)

	// FallbacksTotal counts attempts that failed over to another backend.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Dispatch attempts that fell back to another backend",
		},
		[]string{"model", "from_backend", "error_type"},
	)

	// LimiterRejectionsTotal counts concurrency-limit denials.
	LimiterRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_rejections_total",
			Help:      "Requests denied a slot by the concurrency limiter",
		},
		[]string{"backend"},
	)

	// ActiveRequests gauges in-flight upstream requests held by this instance.
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "In-flight upstream requests held by this instance",
		},
		[]string{"backend"},
	)
)

// RecordRequest records one completed dispatch.
func RecordRequest(model, backend string, statusCode int, success bool, duration time.Duration) {
	model = sanitizeModelLabel(model)
	status := "success"
	if !success {
		status = "error"
	}
	RequestsTotal.WithLabelValues(model, backend, status, strconv.Itoa(statusCode)).Inc()
	RequestDuration.WithLabelValues(model, backend).Observe(duration.Seconds())
}

// RecordTTFT records upstream first-byte latency.
func RecordTTFT(model, backend, streamType string, ttft time.Duration) {
	TimeToFirstToken.WithLabelValues(sanitizeModelLabel(model), backend, streamType).Observe(ttft.Seconds())
}

// RecordFallback records a failed attempt that moved on to another backend.
func RecordFallback(model, fromBackend, errorType string) {
	FallbacksTotal.WithLabelValues(sanitizeModelLabel(model), fromBackend, errorType).Inc()
}

// RecordLimiterRejection records a concurrency-limit denial.
func RecordLimiterRejection(backend string) {
	LimiterRejectionsTotal.WithLabelValues(backend).Inc()
}

const maxModelLabelLen = 64

// sanitizeModelLabel bounds caller-supplied model names so they cannot
// explode label cardinality or inject odd characters into scrapes.
func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
