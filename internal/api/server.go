// Package api is the operator control plane: a small authenticated HTTP
// surface for status, pause/resume, close-all, and the kill switch, plus
// the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Supervisor is the engine surface the control plane drives.
type Supervisor interface {
	Status() map[string]interface{}
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	CloseAll(ctx context.Context) int
	Kill(ctx context.Context)
}

// EventStore dedups inbound webhook deliveries by event id.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, eventID, source string, payload []byte) (bool, error)
}

// ServerConfig holds listener parameters.
type ServerConfig struct {
	Host           string
	Port           int
	MetricsEnabled bool
	ProductionMode bool
}

// RateLimiter is a simple per-endpoint sliding window limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the control plane HTTP server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	supervisor  Supervisor
	events      EventStore
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer builds the router and wires the routes. events may be nil, which
// disables the webhook intake.
func NewServer(config ServerConfig, supervisor Supervisor, events EventStore, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		supervisor:  supervisor,
		events:      events,
		config:      config,
		rateLimiter: NewRateLimiter(60, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/v1/health", s.handleHealth)
	s.router.GET("/api/v1/status", s.rateLimitMiddleware(), s.handleStatus)

	control := s.router.Group("/api/v1/control", s.rateLimitMiddleware())
	control.POST("/pause", s.handlePause)
	control.POST("/resume", s.handleResume)
	control.POST("/close_all", s.handleCloseAll)
	control.POST("/kill", s.handleKill)

	if s.events != nil {
		s.router.POST("/api/v1/webhook", s.rateLimitMiddleware(), s.handleWebhook)
	}

	if s.config.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("control plane listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control plane listener: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.supervisor.Status())
}

func (s *Server) handlePause(c *gin.Context) {
	s.supervisor.Pause(c.Request.Context())
	s.logger.Warn().Msg("pause requested via control plane")
	successResponse(c, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.supervisor.Resume(c.Request.Context())
	s.logger.Info().Msg("resume requested via control plane")
	successResponse(c, gin.H{"paused": false})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	closed := s.supervisor.CloseAll(c.Request.Context())
	s.logger.Warn().Int("closed", closed).Msg("close-all requested via control plane")
	successResponse(c, gin.H{"closed": closed})
}

func (s *Server) handleKill(c *gin.Context) {
	s.logger.Warn().Msg("kill requested via control plane")
	s.supervisor.Kill(c.Request.Context())
	successResponse(c, gin.H{"killed": true})
}

// handleWebhook records an inbound event exactly once. Redeliveries with the
// same event id return 200 with processed=false.
func (s *Server) handleWebhook(c *gin.Context) {
	var payload struct {
		EventID string          `json:"event_id" binding:"required"`
		Source  string          `json:"source" binding:"required"`
		Data    json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": true, "message": err.Error()})
		return
	}

	inserted, err := s.events.InsertWebhookEvent(c.Request.Context(), payload.EventID, payload.Source, payload.Data)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", payload.EventID).Msg("webhook persist failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": true, "message": "persist failed"})
		return
	}
	if !inserted {
		s.logger.Debug().Str("event_id", payload.EventID).Msg("duplicate webhook delivery ignored")
	}
	successResponse(c, gin.H{"processed": inserted})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
