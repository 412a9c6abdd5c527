// Package api exposes the orchestration engine over HTTP: job
// submission, attempt inspection, retry and cancel, credential session
// management, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/pelagos-market/pelagos/config"
	"github.com/pelagos-market/pelagos/credentials"
	"github.com/pelagos-market/pelagos/orchestrator"
	"github.com/pelagos-market/pelagos/telemetry"
)

// Server is the engine's HTTP API server.
type Server struct {
	cfg      config.APIConfig
	orch     *orchestrator.Orchestrator
	sessions credentials.SessionCache
	metrics  *telemetry.Metrics
	logger   log.Logger
	router   *gin.Engine
	server   *http.Server
	limiter  *rateLimiter
}

// NewServer wires routes and middleware for the given orchestrator.
func NewServer(
	cfg config.APIConfig,
	orch *orchestrator.Orchestrator,
	sessions credentials.SessionCache,
	metrics *telemetry.Metrics,
	logger log.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.With("module", "api"),
		router:   router,
		limiter:  newRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	// Per-client rate limit; one token per request.
	s.router.Use(rateLimitMiddleware(s.limiter))

	// Request logging.
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("api request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	})

	// Per-request timeout.
	if s.cfg.Timeout > 0 {
		s.router.Use(func(c *gin.Context) {
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Timeout)
			defer cancel()
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/v1")
	if s.cfg.JWTSecret != "" {
		v1.Use(jwtAuth([]byte(s.cfg.JWTSecret)))
	}
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.handleStartJob)
			jobs.GET("/:id", s.handleGetAttempt)
			jobs.POST("/:id/retry", s.handleRetryAttempt)
			jobs.DELETE("/:id", s.handleCancelAttempt)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", s.handlePutSession)
			sessions.DELETE("", s.handleInvalidateSession)
			sessions.DELETE("/all", s.handleClearSessions)
		}
	}
}

// Handler returns the root handler with CORS applied, for tests and
// embedding.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api server listening", "addr", s.cfg.ListenAddr())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener. Running
// attempts are not interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
