package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datarand/datarand-backend/pkg/logging"
)

const (
	TraceIDHeader = "X-Trace-ID"
	TraceIDKey    = "trace_id"
	LoggerKey     = "logger"
)

var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/metrics": true,
}

// TraceMiddleware attaches a trace ID and a traced logger to every request.
// Clients may supply their own ID through X-Trace-ID.
func TraceMiddleware(baseLogger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if exemptPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		traceID := c.GetHeader(TraceIDHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}

		c.Set(TraceIDKey, traceID)
		c.Set(LoggerKey, baseLogger.WithTraceID(traceID))
		c.Header(TraceIDHeader, traceID)

		c.Next()
	}
}

// GetLogger retrieves the traced logger from the Gin context
func GetLogger(c *gin.Context) logging.Logger {
	logger, exists := c.Get(LoggerKey)
	if !exists {
		return logging.NewNoOpLogger()
	}
	return logger.(logging.Logger)
}

// GetTraceID retrieves the trace ID from the Gin context
func GetTraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}
