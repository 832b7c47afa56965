package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deskwire/deskwire/pkg/metrics"
)

// Metrics records per-route request latency. Unmatched routes are labelled
// by raw path so the 404 noise stays visible without exploding cardinality
// on matched ones.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		metrics.APILatency.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
