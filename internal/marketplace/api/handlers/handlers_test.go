package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	apperrors "github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeStream struct{ stats events.Stats }

func (f fakeStream) Serve(http.ResponseWriter, *http.Request, string) error { return nil }
func (f fakeStream) Stats() events.Stats                                  { return f.stats }

// fakeMarket implements only the calls a test needs; the rest panic.
type fakeMarket struct {
	Marketplace
	assign  func(taskID, workerID string) (*types.Assignment, error)
	request func(workerID string, category types.TaskCategory) (*types.Assignment, error)
	getTask func(taskID string) (*types.Task, error)
}

func (f *fakeMarket) AssignWorker(_ context.Context, taskID, workerID string) (*types.Assignment, error) {
	return f.assign(taskID, workerID)
}

func (f *fakeMarket) RequestTask(_ context.Context, workerID string, category types.TaskCategory) (*types.Assignment, error) {
	return f.request(workerID, category)
}

func (f *fakeMarket) GetTask(_ context.Context, taskID string) (*types.Task, error) {
	return f.getTask(taskID)
}

func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func TestHealthCheck_Healthy(t *testing.T) {
	clk := clock.NewMock()
	h := NewHandler(Config{
		Store:  pingFunc(func(context.Context) error { return nil }),
		Events: fakeStream{stats: events.Stats{Clients: 3, Rooms: 2}},
		Clock:  clk,
	}, logging.NewNoOpLogger())
	clk.Add(90 * time.Second)

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status    string `json:"status"`
		Uptime    string `json:"uptime"`
		Websocket struct {
			Clients int `json:"clients"`
		} `json:"websocket"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1m30s", body.Uptime)
	assert.Equal(t, 3, body.Websocket.Clients)
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	h := NewHandler(Config{
		Store: pingFunc(func(context.Context) error { return errors.New("db down") }),
	}, logging.NewNoOpLogger())

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
	assert.Contains(t, w.Body.String(), "db down")
}

func TestRespondError_MapsKinds(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantKind    apperrors.Kind
		wantMessage string
	}{
		{"validation", apperrors.Validationf("bad input"), http.StatusBadRequest, apperrors.KindValidation, "bad input"},
		{"forbidden", apperrors.Forbiddenf("not yours"), http.StatusForbidden, apperrors.KindForbidden, "not yours"},
		{"not found", apperrors.NotFoundf("task not found"), http.StatusNotFound, apperrors.KindNotFound, "task not found"},
		{"capacity", apperrors.Capacityf("task is full"), http.StatusConflict, apperrors.KindCapacity, "task is full"},
		{"external", apperrors.External("escrow contract", errors.New("dial tcp")), http.StatusBadGateway, apperrors.KindExternalService, "escrow contract unavailable"},
		{"internal hides cause", errors.New("pq: connection reset"), http.StatusInternalServerError, apperrors.KindInternal, apperrors.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Config{}, logging.NewNoOpLogger())
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			h.respondError(c, tt.err, "test")

			assert.Equal(t, tt.wantStatus, w.Code)
			var body struct {
				Success bool `json:"success"`
				Error   struct {
					Kind    apperrors.Kind `json:"kind"`
					Message string         `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantKind, body.Error.Kind)
			assert.Equal(t, tt.wantMessage, body.Error.Message)
		})
	}
}

func TestRequestTask_Routing(t *testing.T) {
	var assigned, requested []string
	market := &fakeMarket{
		assign: func(taskID, workerID string) (*types.Assignment, error) {
			assigned = append(assigned, taskID)
			return &types.Assignment{ID: "a1", TaskID: taskID, WorkerID: workerID}, nil
		},
		request: func(workerID string, category types.TaskCategory) (*types.Assignment, error) {
			requested = append(requested, string(category))
			return &types.Assignment{ID: "a2", TaskID: "oldest", WorkerID: workerID}, nil
		},
	}
	h := NewHandler(Config{Market: market}, logging.NewNoOpLogger())

	r := gin.New()
	r.POST("/api/tasks/request", withUser("worker-1"), h.RequestTask)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/request", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, post("").Code)
	assert.Equal(t, http.StatusOK, post(`{"category":"AIEvaluation"}`).Code)
	assert.Equal(t, http.StatusOK, post(`{"task_id":"3b241101-e2bb-4255-8caf-4136c566a962"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"task_id":`).Code)

	assert.Equal(t, []string{"", "AIEvaluation"}, requested)
	assert.Equal(t, []string{"3b241101-e2bb-4255-8caf-4136c566a962"}, assigned)
}

func TestGetTask_NotFound(t *testing.T) {
	market := &fakeMarket{
		getTask: func(taskID string) (*types.Task, error) {
			return nil, apperrors.NotFoundf("task %s not found", taskID)
		},
	}
	h := NewHandler(Config{Market: market}, logging.NewNoOpLogger())

	r := gin.New()
	r.GET("/api/tasks/:id", withUser("u1"), h.GetTask)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "task missing not found")
}
