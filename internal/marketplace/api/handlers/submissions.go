package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/types"
)

func (h *Handler) SubmitWork(c *gin.Context) {
	var req types.SubmitWorkRequest
	if !h.bind(c, &req) {
		return
	}

	submission, err := h.market.SubmitWork(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		h.respondError(c, err, "submit work")
		return
	}
	respond(c, http.StatusCreated, "Submission received.", gin.H{"submission": submission})
}

func (h *Handler) ListTaskSubmissions(c *gin.Context) {
	submissions, err := h.market.ListSubmissionsByTask(c.Request.Context(), c.Param("taskId"), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "list submissions")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"submissions": submissions})
}

func (h *Handler) ReviewSubmission(c *gin.Context) {
	logger := h.getLogger(c)

	var req types.ReviewSubmissionRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Approved == nil {
		h.respondError(c, errors.Validationf("approved is required"), "review submission")
		return
	}

	submission, err := h.market.ReviewSubmission(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), *req.Approved)
	if err != nil {
		h.respondError(c, err, "review submission")
		return
	}

	logger.Infof("Submission %s reviewed: %s", submission.ID, submission.Status)
	respond(c, http.StatusOK, "Submission reviewed.", gin.H{"submission": submission})
}
