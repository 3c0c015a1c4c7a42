// Package metrics provides Prometheus metrics collection for RiskGate services
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)
)

// Risk engine metrics
var (
	// DecisionsTotal counts terminal authentication decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "decisions_total",
			Help:      "Total number of terminal authentication decisions",
		},
		[]string{"outcome"}, // admitted, stepup_required, blocked, expired
	)

	// RiskScoreHistogram tracks the distribution of computed risk scores.
	RiskScoreHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "riskgate",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// StepUpOutcomesTotal counts step-up challenge completions by method and result.
	StepUpOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "stepup_outcomes_total",
			Help:      "Total number of step-up challenge completions",
		},
		[]string{"method", "result"}, // result: success, failure, expired
	)

	// LearningWritesTotal counts baseline learning write attempts by result.
	LearningWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "learning_writes_total",
			Help:      "Total number of behavioral baseline write attempts",
		},
		[]string{"result"}, // applied, conflict_retry, dropped, skipped
	)

	// GeoLookupsTotal counts address resolution attempts by provider and result.
	GeoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskgate",
			Name:      "geo_lookups_total",
			Help:      "Total number of address-to-location lookups",
		},
		[]string{"provider", "result"}, // result: hit, miss, error
	)
)

// GinMiddleware returns a Gin middleware that records HTTP metrics
func GinMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(service, c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(service, c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler wrapped for Gin
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
