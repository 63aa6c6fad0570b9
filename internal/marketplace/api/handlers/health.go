package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck reports whether the store answers a ping.
func (h *Handler) HealthCheck(c *gin.Context) {
	now := h.clock.Now()

	dbStatus := "healthy"
	dbError := ""

	trackDBOp := metrics.TrackDBOperation("read", "system_health")

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
		dbError = err.Error()
		h.logger.Errorf("Database health check failed: %v", err)
		trackDBOp(err)
		metrics.HealthChecksTotal.WithLabelValues("unhealthy").Inc()
	} else {
		trackDBOp(nil)
		metrics.HealthChecksTotal.WithLabelValues("healthy").Inc()
	}

	response := gin.H{
		"status":    "ok",
		"timestamp": now.Unix(),
		"service":   "datarand-marketplace",
		"uptime":    now.Sub(h.startedAt).Round(time.Second).String(),
		"database": gin.H{
			"status": dbStatus,
			"error":  dbError,
		},
	}
	if h.events != nil {
		stats := h.events.Stats()
		response["websocket"] = gin.H{
			"clients": stats.Clients,
			"rooms":   stats.Rooms,
		}
	}

	httpStatus := http.StatusOK
	if dbStatus != "healthy" {
		httpStatus = http.StatusServiceUnavailable
		response["status"] = "degraded"
	}

	c.JSON(httpStatus, response)
}
