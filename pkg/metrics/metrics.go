package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "iazeconnect"

var (
	// HTTP request metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Webhook ingest outcomes: accepted, ignored, malformed, failed
	IngestResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_ingest_results_total",
			Help: "Inbound provider webhooks by ingest result",
		},
		[]string{"result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_instance_transitions_total",
			Help: "Instance status transitions applied by the reconciliation engine",
		},
		[]string{"from", "to", "source"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_provider_call_duration_seconds",
			Help:    "Duration of messaging provider calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	PollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_poll_attempts_total",
			Help: "Provider status polls by outcome",
		},
		[]string{"outcome"},
	)

	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_active_pollers",
			Help: "Instances currently being actively polled",
		},
	)

	LimiterRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_limiter_rejections_total",
			Help: "Sends or receives refused by the anti-abuse limiter",
		},
		[]string{"direction", "reason"},
	)
)

// TrackProviderCall returns a function that records the duration of a provider call
func TrackProviderCall(operation string) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		ProviderCallDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}
}

func RecordIngest(result string) {
	IngestResultsTotal.WithLabelValues(result).Inc()
}

func RecordTransition(from, to, source string) {
	TransitionsTotal.WithLabelValues(from, to, source).Inc()
}

func RecordPoll(outcome string) {
	PollAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordLimiterRejection(direction, reason string) {
	LimiterRejectionsTotal.WithLabelValues(direction, reason).Inc()
}

// HttpMetrics records request counts and latency per matched route.
func HttpMetrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fiberErr, ok := err.(*fiber.Error); ok {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		HttpRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		HttpRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}
