package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/types"
)

// Marketplace is the lifecycle surface the HTTP API drives.
type Marketplace interface {
	CreateTask(ctx context.Context, creatorID string, req types.CreateTaskRequest) (*types.Task, error)
	PrepareFunding(ctx context.Context, taskID, requesterID string) (*types.FundingInstruction, error)
	ConfirmFunding(ctx context.Context, taskID, requesterID, txHash string) (*types.Task, error)
	CancelTask(ctx context.Context, taskID, requesterID string) (*types.Task, error)
	StartCompute(ctx context.Context, taskID, requesterID string, input json.RawMessage) (*types.ComputeJob, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasksByCreator(ctx context.Context, creatorID string) ([]types.Task, error)
	ListAvailableTasks(ctx context.Context, workerID string, category types.TaskCategory) ([]types.Task, error)

	AssignWorker(ctx context.Context, taskID, workerID string) (*types.Assignment, error)
	RequestTask(ctx context.Context, workerID string, category types.TaskCategory) (*types.Assignment, error)
	ListAssignmentsByWorker(ctx context.Context, workerID string) ([]types.Assignment, error)

	SubmitWork(ctx context.Context, workerID string, req types.SubmitWorkRequest) (*types.Submission, error)
	ListSubmissionsByTask(ctx context.Context, taskID, requesterID string) ([]types.Submission, error)
	ReviewSubmission(ctx context.Context, submissionID, reviewerID string, approved bool) (*types.Submission, error)
}

type Identity interface {
	Login(ctx context.Context, req types.LoginRequest) (*types.LoginResponse, error)
	Profile(ctx context.Context, userID string) (*types.User, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type EventStream interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string) error
	Stats() events.Stats
}

type Config struct {
	Market   Marketplace
	Identity Identity
	Store    Pinger
	Events   EventStream
	Clock    clock.Clock
}

type Handler struct {
	market    Marketplace
	identity  Identity
	store     Pinger
	events    EventStream
	clock     clock.Clock
	startedAt time.Time
	logger    logging.Logger
}

func NewHandler(cfg Config, logger logging.Logger) *Handler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		market:    cfg.Market,
		identity:  cfg.Identity,
		store:     cfg.Store,
		events:    cfg.Events,
		clock:     clk,
		startedAt: clk.Now(),
		logger:    logger,
	}
}

func (h *Handler) getLogger(c *gin.Context) logging.Logger {
	if _, ok := c.Get(middleware.LoggerKey); ok {
		return middleware.GetLogger(c)
	}
	return h.logger
}

func respond(c *gin.Context, status int, message string, payload gin.H) {
	body := gin.H{"success": true}
	if message != "" {
		body["message"] = message
	}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(status, body)
}

// respondError writes the error envelope. Internal causes are logged and
// never returned to the client.
func (h *Handler) respondError(c *gin.Context, err error, action string) {
	logger := h.getLogger(c)

	kind := errors.KindOf(err)
	status := errors.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Errorf("Failed to %s: %v", action, err)
	} else {
		logger.Debugf("Rejected %s: %v", action, err)
	}

	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"kind":    kind,
			"message": errors.MessageOf(err),
		},
	})
}

func (h *Handler) bind(c *gin.Context, dto any) bool {
	if err := c.ShouldBindJSON(dto); err != nil {
		h.respondError(c, errors.Wrap(errors.KindValidation, err, errors.ErrInvalidRequestBody), "decode request")
		return false
	}
	return true
}
