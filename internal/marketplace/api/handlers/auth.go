package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/pkg/types"
)

// Login exchanges a Privy access token for a session token.
func (h *Handler) Login(c *gin.Context) {
	logger := h.getLogger(c)

	var req types.LoginRequest
	if !h.bind(c, &req) {
		return
	}

	resp, err := h.identity.Login(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "log in")
		return
	}

	logger.Infof("User %s logged in", resp.User.ID)
	respond(c, http.StatusOK, "Login successful", gin.H{
		"token": resp.Token,
		"user":  resp.User,
	})
}

func (h *Handler) Profile(c *gin.Context) {
	user, err := h.identity.Profile(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "load profile")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"user": user})
}
