package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datarand/datarand-backend/internal/marketplace/identity"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Kind    string   `json:"kind"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body
}

func TestTraceMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(TraceMiddleware(logging.NewNoOpLogger()))
	router.GET("/api/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetTraceID(c))
	})
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, GetTraceID(c))
	})

	t.Run("keeps client trace id", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.Header.Set(TraceIDHeader, "trace-123")
		router.ServeHTTP(w, req)

		assert.Equal(t, "trace-123", w.Body.String())
		assert.Equal(t, "trace-123", w.Header().Get(TraceIDHeader))
	})

	t.Run("generates missing trace id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))

		assert.Len(t, w.Body.String(), 36)
		assert.Equal(t, w.Body.String(), w.Header().Get(TraceIDHeader))
	})

	t.Run("health is exempt", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Empty(t, w.Body.String())
		assert.Empty(t, w.Header().Get(TraceIDHeader))
	})
}

func TestGetLogger_FallsBackToNoOp(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.NotNil(t, GetLogger(c))
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(logging.NewNoOpLogger()))
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, string(errors.KindInternal), body.Error.Kind)
}

func TestTimeoutMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(TimeoutMiddleware(20 * time.Millisecond))
	router.GET("/slow", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})
	router.GET("/fast", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type authFunc func(token string) (*identity.SessionClaims, error)

func (f authFunc) Authenticate(token string) (*identity.SessionClaims, error) { return f(token) }

func TestAuthMiddleware(t *testing.T) {
	auth := authFunc(func(token string) (*identity.SessionClaims, error) {
		if token != "good" {
			return nil, errors.Authf("invalid session token")
		}
		return &identity.SessionClaims{UserID: "user-1"}, nil
	})

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/api/me", func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid bearer", header: "Bearer good", wantStatus: http.StatusOK, wantBody: "user-1"},
		{name: "lowercase scheme", header: "bearer good", wantStatus: http.StatusOK, wantBody: "user-1"},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", wantStatus: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer bad", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, w.Body.String())
				return
			}
			assert.Equal(t, string(errors.KindAuth), decodeError(t, w).Error.Kind)
		})
	}

	t.Run("query token only for websocket upgrades", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me?token=good", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/me?token=good", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		router.ServeHTTP(w, req)
		assert.Equal(t, "user-1", w.Body.String())
	})
}

// fakeRedis mimics the rate limit script with an in-process counter.
type fakeRedis struct {
	counts map[string]int64
	err    error
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	if f.err != nil {
		return nil, f.err
	}
	limit := int64(args[0].(int))
	f.counts[keys[0]]++
	current := f.counts[keys[0]]
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return []interface{}{current, remaining, int64(42)}, nil
}

func TestRateLimiter(t *testing.T) {
	redis := &fakeRedis{counts: map[string]int64{}}
	clk := clock.NewMock()
	limiter, err := NewRateLimiter(redis, 2, clk, logging.NewNoOpLogger())
	require.NoError(t, err)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/api/tasks", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	call := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		return w
	}

	first := call()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, fmt.Sprint(clk.Now().Unix()+42), first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusOK, call().Code)

	limited := call()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "42", limited.Header().Get("Retry-After"))
	assert.Equal(t, string(errors.KindRateLimited), decodeError(t, limited).Error.Kind)
	assert.Contains(t, redis.counts, "rate_limit:ip:10.0.0.1")

	t.Run("fails open when redis is down", func(t *testing.T) {
		redis.err = fmt.Errorf("connection refused")
		assert.Equal(t, http.StatusOK, call().Code)
	})
}

func TestNewRateLimiter_Rejects(t *testing.T) {
	_, err := NewRateLimiter(nil, 10, nil, logging.NewNoOpLogger())
	assert.Error(t, err)

	_, err = NewRateLimiter(&fakeRedis{}, 0, nil, logging.NewNoOpLogger())
	assert.Error(t, err)
}

func TestValidatorMiddleware(t *testing.T) {
	v := NewValidator(logging.NewNoOpLogger())
	router := gin.New()
	router.Use(v.GinMiddleware())
	echo := func(c *gin.Context) {
		body, _ := c.GetRawData()
		c.String(http.StatusOK, string(body))
	}
	router.POST("/api/tasks", echo)
	router.POST("/api/tasks/:id/confirm-funding", echo)
	router.POST("/api/tasks/request", echo)
	router.POST("/api/tasks/:id/cancel", echo)

	validTask := `{"title":"Label cats","description":"Draw boxes","category":"ImageLabeling","payout_per_worker":"0.01","required_workers":5}`
	validHash := "0x" + strings.Repeat("ab", 32)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{name: "valid task", path: "/api/tasks", body: validTask, wantStatus: http.StatusOK},
		{
			name:       "unknown category",
			path:       "/api/tasks",
			body:       strings.Replace(validTask, "ImageLabeling", "Poetry", 1),
			wantStatus: http.StatusBadRequest,
			wantDetail: "category failed on task_category",
		},
		{
			name:       "zero payout",
			path:       "/api/tasks",
			body:       strings.Replace(validTask, `"0.01"`, `"0"`, 1),
			wantStatus: http.StatusBadRequest,
			wantDetail: "payout_per_worker failed on positive_decimal",
		},
		{
			name:       "too many workers",
			path:       "/api/tasks",
			body:       strings.Replace(validTask, `"required_workers":5`, `"required_workers":101`, 1),
			wantStatus: http.StatusBadRequest,
			wantDetail: "required_workers failed on max=100",
		},
		{name: "malformed json", path: "/api/tasks", body: `{"title":`, wantStatus: http.StatusBadRequest},
		{name: "valid tx hash", path: "/api/tasks/abc/confirm-funding", body: `{"tx_hash":"` + validHash + `"}`, wantStatus: http.StatusOK},
		{
			name:       "short tx hash",
			path:       "/api/tasks/abc/confirm-funding",
			body:       `{"tx_hash":"0x1234"}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "tx_hash failed on tx_hash",
		},
		{name: "empty optional body", path: "/api/tasks/request", body: "", wantStatus: http.StatusOK},
		{name: "route without dto", path: "/api/tasks/abc/cancel", body: "anything", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.body, w.Body.String(), "body must be restored for the handler")
				return
			}
			body := decodeError(t, w)
			assert.Equal(t, string(errors.KindValidation), body.Error.Kind)
			if tt.wantDetail != "" {
				assert.Contains(t, body.Error.Details, tt.wantDetail)
			}
		})
	}
}
