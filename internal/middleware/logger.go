package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deskwire/deskwire/internal/tenant"
	"github.com/deskwire/deskwire/pkg/logger"
)

// Logger writes a concise structured access log for each request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		log := logger.WithModule("http")
		if tc, ok := tenant.From(c.Request.Context()); ok && !tc.IsBypass() {
			log = logger.WithTenant("http", tc.TenantID())
		}
		log.Info("request", fields...)
	}
}
