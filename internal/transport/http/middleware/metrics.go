package middleware

import (
	"strconv"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics records latency, count and body size per route. Unmatched paths
// share one label so scanners cannot blow up cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
		if size := c.Writer.Size(); size > 0 {
			metrics.HTTPResponseSizeBytes.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
