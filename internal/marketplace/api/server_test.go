package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/api/handlers"
	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/identity"
	"github.com/datarand/datarand-backend/internal/marketplace/lifecycle"
	"github.com/datarand/datarand-backend/internal/marketplace/store/memory"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/logging"
)

const (
	creatorWallet = "0x1111111111111111111111111111111111111111"
	workerWallet  = "0x2222222222222222222222222222222222222222"
	fundingHash   = "0x8a3b1c9a0d3f1e2b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3"
)

type envelope map[string]json.RawMessage

func (e envelope) decode(t *testing.T, key string, into any) {
	t.Helper()
	raw, ok := e[key]
	require.True(t, ok, "response has no %q field", key)
	require.NoError(t, json.Unmarshal(raw, into))
}

type apiEnv struct {
	handler http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.NewNoOpLogger()

	st := memory.New()
	calc, err := fees.NewCalculator(fees.DefaultPlatformFeeRate)
	require.NoError(t, err)

	hub := events.NewHub([]string{"*"}, logger)
	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:  st,
		Escrow: escrow.NewDevClient("0x5FbDB2315678afecb367f032d93F642f64180aa3", 84532, logger),
		Fees:   calc,
		Events: hub,
	}, logger)
	require.NoError(t, err)

	sessions, err := identity.NewSessions("0123456789abcdef0123456789abcdef", time.Hour, clock.New())
	require.NoError(t, err)
	ids := identity.NewService(st, identity.DevVerifier{}, sessions, nil, clock.New(), logger)

	h := handlers.NewHandler(handlers.Config{
		Market:   manager,
		Identity: ids,
		Store:    st,
		Events:   hub,
	}, logger)

	srv := NewServer(Config{
		Port:           "0",
		AllowedOrigins: []string{"*"},
		RequestTimeout: 5 * time.Second,
	}, Dependencies{Handler: h, Auth: ids}, logger)

	return &apiEnv{handler: srv.Handler()}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var out envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (e *apiEnv) login(t *testing.T, name, wallet string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"privy_access_token": "dev:" + name + ":" + wallet,
		"device_fingerprint": "fp-" + name,
	})
	require.Equal(t, http.StatusOK, status)
	var token string
	body.decode(t, "token", &token)
	require.NotEmpty(t, token)
	return token
}

func errorKind(t *testing.T, body envelope) string {
	t.Helper()
	var e struct {
		Kind string `json:"kind"`
	}
	body.decode(t, "error", &e)
	return e.Kind
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	creator := env.login(t, "alice", creatorWallet)
	worker := env.login(t, "bob", workerWallet)

	status, body := env.do(t, http.MethodPost, "/api/tasks", creator, map[string]any{
		"title":             "Label street signs",
		"description":       "Draw a box around every street sign",
		"category":          "ImageLabeling",
		"payout_per_worker": "0.01",
		"required_workers":  1,
	})
	require.Equal(t, http.StatusCreated, status)
	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	body.decode(t, "task", &task)
	assert.Equal(t, "Draft", task.Status)

	status, body = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/fund", creator, nil)
	require.Equal(t, http.StatusOK, status)
	var funding struct {
		Amount    string `json:"amount"`
		AmountWei string `json:"amount_wei"`
		ChainID   string `json:"chain_id"`
	}
	body.decode(t, "funding", &funding)
	assert.Equal(t, "0.0115", funding.Amount)
	assert.Equal(t, "11500000000000000", funding.AmountWei)
	assert.Equal(t, "84532", funding.ChainID)

	status, body = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/confirm-funding", creator, map[string]string{"tx_hash": fundingHash})
	require.Equal(t, http.StatusOK, status)
	body.decode(t, "task", &task)
	assert.Equal(t, "Funded", task.Status)

	status, body = env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/confirm-funding", creator, map[string]string{"tx_hash": fundingHash})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", errorKind(t, body))

	status, body = env.do(t, http.MethodGet, "/api/tasks/available", worker, nil)
	require.Equal(t, http.StatusOK, status)
	var available []struct {
		ID string `json:"id"`
	}
	body.decode(t, "tasks", &available)
	require.Len(t, available, 1)
	assert.Equal(t, task.ID, available[0].ID)

	status, body = env.do(t, http.MethodPost, "/api/tasks/request", worker, nil)
	require.Equal(t, http.StatusOK, status)
	var assignment struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
	}
	body.decode(t, "assignment", &assignment)
	assert.Equal(t, task.ID, assignment.TaskID)

	status, body = env.do(t, http.MethodPost, "/api/tasks/request", worker, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorKind(t, body))

	status, body = env.do(t, http.MethodPost, "/api/submissions", worker, map[string]any{
		"assignment_id": assignment.ID,
		"payload":       map[string]any{"boxes": []int{1, 2, 3, 4}},
	})
	require.Equal(t, http.StatusCreated, status)
	var submission struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	body.decode(t, "submission", &submission)
	assert.Equal(t, "pending", submission.Status)

	status, body = env.do(t, http.MethodGet, "/api/submissions/task/"+task.ID, worker, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorKind(t, body))

	status, body = env.do(t, http.MethodPost, "/api/submissions/"+submission.ID+"/review", creator, map[string]bool{"approved": true})
	require.Equal(t, http.StatusOK, status)
	body.decode(t, "submission", &submission)
	assert.Equal(t, "approved", submission.Status)

	status, body = env.do(t, http.MethodGet, "/api/tasks/"+task.ID, creator, nil)
	require.Equal(t, http.StatusOK, status)
	body.decode(t, "task", &task)
	assert.Equal(t, "Completed", task.Status)

	status, body = env.do(t, http.MethodGet, "/api/auth/profile", worker, nil)
	require.Equal(t, http.StatusOK, status)
	var profile struct {
		TotalEarnings  string `json:"total_earnings"`
		TasksCompleted int    `json:"tasks_completed"`
	}
	body.decode(t, "user", &profile)
	assert.Equal(t, "0.01", profile.TotalEarnings)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newAPIEnv(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/auth/profile"},
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodPost, "/api/tasks/request"},
		{http.MethodPost, "/api/submissions"},
		{http.MethodGet, "/api/ws"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			status, body := env.do(t, r.method, r.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, "AUTH_ERROR", errorKind(t, body))
		})
	}

	status, _ := env.do(t, http.MethodGet, "/api/tasks", "not-a-session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginRejectsMalformedToken(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"privy_access_token": "not-a-dev-token",
		"device_fingerprint": "fp",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH_ERROR", errorKind(t, body))

	status, body = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"privy_access_token": "dev:alice",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorKind(t, body))
}

func TestCreateTaskValidation(t *testing.T) {
	env := newAPIEnv(t)
	creator := env.login(t, "alice", creatorWallet)

	status, body := env.do(t, http.MethodPost, "/api/tasks", creator, map[string]any{
		"title":             "Label street signs",
		"description":       "Draw boxes",
		"category":          "Poetry",
		"payout_per_worker": "0.01",
		"required_workers":  1,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errorKind(t, body))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	var state string
	body.decode(t, "status", &state)
	assert.Equal(t, "ok", state)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "datarand_")
}

func TestCORSPreflight(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.datarand.io")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
