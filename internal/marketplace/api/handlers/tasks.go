package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/pkg/types"
)

func (h *Handler) CreateTask(c *gin.Context) {
	logger := h.getLogger(c)

	var req types.CreateTaskRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.market.CreateTask(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		h.respondError(c, err, "create task")
		return
	}

	logger.Infof("Created task %s", task.ID)
	respond(c, http.StatusCreated, "Task created as DRAFT. Proceed to funding.", gin.H{"task": task})
}

// FundTask returns the escrow transaction the creator signs.
func (h *Handler) FundTask(c *gin.Context) {
	instruction, err := h.market.PrepareFunding(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "prepare funding")
		return
	}
	respond(c, http.StatusOK, "Transaction prepared. Sign it with your wallet.", gin.H{"funding": instruction})
}

func (h *Handler) ConfirmFunding(c *gin.Context) {
	logger := h.getLogger(c)

	var req types.ConfirmFundingRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.market.ConfirmFunding(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.TxHash)
	if err != nil {
		h.respondError(c, err, "confirm funding")
		return
	}

	logger.Infof("Task %s funded by %s", task.ID, req.TxHash)
	respond(c, http.StatusOK, "Task funded.", gin.H{"task": task})
}

func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.market.CancelTask(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "cancel task")
		return
	}
	respond(c, http.StatusOK, "Task cancelled.", gin.H{"task": task})
}

func (h *Handler) StartCompute(c *gin.Context) {
	var req types.StartComputeRequest
	if !h.bind(c, &req) {
		return
	}

	job, err := h.market.StartCompute(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.Input)
	if err != nil {
		h.respondError(c, err, "start compute job")
		return
	}
	respond(c, http.StatusAccepted, "Compute job submitted.", gin.H{"job": job})
}

func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.market.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "get task")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"task": task})
}

func (h *Handler) ListMyTasks(c *gin.Context) {
	tasks, err := h.market.ListTasksByCreator(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "list tasks")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"tasks": tasks})
}

func (h *Handler) ListAvailableTasks(c *gin.Context) {
	category := types.TaskCategory(c.Query("category"))
	tasks, err := h.market.ListAvailableTasks(c.Request.Context(), middleware.GetUserID(c), category)
	if err != nil {
		h.respondError(c, err, "list available tasks")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"tasks": tasks})
}

func (h *Handler) ListMyAssignments(c *gin.Context) {
	assignments, err := h.market.ListAssignmentsByWorker(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.respondError(c, err, "list assignments")
		return
	}
	respond(c, http.StatusOK, "", gin.H{"assignments": assignments})
}

// RequestTask claims a slot on the named task, or on the oldest open task
// when the body is empty.
func (h *Handler) RequestTask(c *gin.Context) {
	logger := h.getLogger(c)

	var req types.RequestTaskRequest
	if c.Request.ContentLength != 0 {
		if !h.bind(c, &req) {
			return
		}
	}

	workerID := middleware.GetUserID(c)
	var (
		assignment *types.Assignment
		err        error
	)
	if req.TaskID != "" {
		assignment, err = h.market.AssignWorker(c.Request.Context(), req.TaskID, workerID)
	} else {
		assignment, err = h.market.RequestTask(c.Request.Context(), workerID, req.Category)
	}
	if err != nil {
		h.respondError(c, err, "assign task")
		return
	}

	logger.Infof("Worker %s assigned to task %s", workerID, assignment.TaskID)
	respond(c, http.StatusOK, "Task assigned.", gin.H{"assignment": assignment})
}
