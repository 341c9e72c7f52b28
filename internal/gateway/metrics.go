package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestMetrics counts requests and observes latency by method, status and route.
func RequestMetrics(registry prometheus.Registerer) gin.HandlerFunc {
	requestCounter := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_gateway_http_requests_total",
			Help: "Counter for HTTP requests by method, status, route",
		},
		[]string{"method", "status", "route"},
	)
	requestDuration := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:                            "console_gateway_http_request_duration_seconds",
			Help:                            "Histogram of latencies for HTTP requests by method, status, route",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
		[]string{"method", "status", "route"},
	)
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()

		route := contextGin.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(contextGin.Writer.Status())
		requestCounter.WithLabelValues(contextGin.Request.Method, status, route).Inc()
		requestDuration.WithLabelValues(contextGin.Request.Method, status, route).Observe(time.Since(startTime).Seconds())
	}
}
