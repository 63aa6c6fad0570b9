// Package api serves the marketplace HTTP and websocket endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/datarand/datarand-backend/internal/marketplace/api/handlers"
	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/pkg/logging"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type Dependencies struct {
	Handler *handlers.Handler
	Auth    middleware.Authenticator
	// RateLimiter is optional; requests are not limited without redis.
	RateLimiter *middleware.RateLimiter
}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cors       *cors.Cors
	logger     logging.Logger
}

func NewServer(cfg Config, deps Dependencies, logger logging.Logger) *Server {
	router := gin.New()
	router.Use(
		middleware.TraceMiddleware(logger),
		middleware.RecoveryMiddleware(logger),
		middleware.MetricsMiddleware(),
		middleware.TimeoutMiddleware(cfg.RequestTimeout),
	)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Origin", "X-Requested-With", middleware.TraceIDHeader},
		ExposedHeaders:   []string{middleware.TraceIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
	})

	s := &Server{
		router: router,
		cors:   corsHandler,
		logger: logger,
	}
	s.RegisterRoutes(deps)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) RegisterRoutes(deps Dependencies) {
	h := deps.Handler
	validator := middleware.NewValidator(s.logger)

	s.router.GET("/health", h.HealthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")

	public := api.Group("")
	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Auth))
	if deps.RateLimiter != nil {
		public.Use(deps.RateLimiter.Middleware())
		protected.Use(deps.RateLimiter.Middleware())
	}
	public.Use(validator.GinMiddleware())
	protected.Use(validator.GinMiddleware())

	public.POST("/auth/login", h.Login)
	protected.GET("/auth/profile", h.Profile)

	tasks := protected.Group("/tasks")
	tasks.POST("", h.CreateTask)
	tasks.GET("", h.ListMyTasks)
	tasks.GET("/available", h.ListAvailableTasks)
	tasks.GET("/my-assignments", h.ListMyAssignments)
	tasks.POST("/request", h.RequestTask)
	tasks.GET("/:id", h.GetTask)
	tasks.POST("/:id/fund", h.FundTask)
	tasks.POST("/:id/confirm-funding", h.ConfirmFunding)
	tasks.POST("/:id/cancel", h.CancelTask)
	tasks.POST("/:id/compute", h.StartCompute)

	submissions := protected.Group("/submissions")
	submissions.POST("", h.SubmitWork)
	submissions.GET("/task/:taskId", h.ListTaskSubmissions)
	submissions.POST("/:id/review", h.ReviewSubmission)

	protected.GET("/ws", h.Stream)
}

// Handler is the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
