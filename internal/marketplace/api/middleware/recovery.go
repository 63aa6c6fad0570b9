package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
)

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				endpoint := c.FullPath()
				if endpoint == "" {
					endpoint = "unknown"
				}
				metrics.PanicRecoveriesTotal.WithLabelValues(endpoint).Inc()

				logger.Error("Panic recovered",
					"error", err,
					"endpoint", endpoint,
					"method", c.Request.Method,
					"trace_id", GetTraceID(c),
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error": gin.H{
						"kind":    errors.KindInternal,
						"message": errors.ErrInternal,
					},
				})
			}
		}()
		c.Next()
	}
}
