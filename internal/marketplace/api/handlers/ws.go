package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
)

// Stream upgrades the connection and pushes the caller's task events.
func (h *Handler) Stream(c *gin.Context) {
	logger := h.getLogger(c)

	userID := middleware.GetUserID(c)
	if err := h.events.Serve(c.Writer, c.Request, userID); err != nil {
		logger.Warnf("Websocket session for %s ended: %v", userID, err)
	}
}
