package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// requestLogger logs every request with latency and status
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		event := logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}

// requestMetrics counts requests and times them. The route template from
// gin keeps label cardinality bounded; unmatched paths collapse to one
// bucket.
func requestMetrics() gin.HandlerFunc {
	m := getOrCreateHTTPMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requests.WithLabelValues(c.Request.Method, route, status).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	httpMetricsOnce     sync.Once
	httpMetricsInstance *httpMetrics
)

func getOrCreateHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpMetricsInstance = &httpMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_http_requests_total",
				Help: "HTTP requests by method, route, and status",
			}, []string{"method", "route", "status"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "council_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
	})
	return httpMetricsInstance
}
