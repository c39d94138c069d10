package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/prometheus"
)

// Metrics returns middleware recording request counts, latencies, and an
// in-flight gauge. Labels use the route template (c.FullPath) rather than
// the raw URL so source ids do not explode label cardinality.
func Metrics(metrics *prometheus.AppMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unrouted"
		}
		method := c.Request.Method

		metrics.HTTPActiveRequests.WithLabelValues(method, path).Inc()
		start := time.Now()

		c.Next()

		metrics.HTTPActiveRequests.WithLabelValues(method, path).Dec()
		prometheus.RecordHTTPRequest(metrics, method, path, c.Writer.Status(), time.Since(start))
	}
}
