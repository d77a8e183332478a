package api

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/clinimatch-server/internal/cache"
	"github.com/clinimatch-server/internal/domain"
	"github.com/clinimatch-server/internal/middleware"
)

// nctIDPattern validates registry identifiers before they reach upstream
var nctIDPattern = regexp.MustCompile(`^NCT\d+$`)

// BreakerStateFunc reports a circuit breaker's current state
type BreakerStateFunc func() gobreaker.State

// Server represents the HTTP server
type Server struct {
	configManager    domain.ConfigManager
	matcher          domain.TrialMatcher
	store            cache.Store
	registryState    BreakerStateFunc
	translationState BreakerStateFunc
	router           *gin.Engine
	server           *http.Server
	log              *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(
	configManager domain.ConfigManager,
	matcher domain.TrialMatcher,
	store cache.Store,
	registryState BreakerStateFunc,
	translationState BreakerStateFunc,
	logger *logrus.Logger,
) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(corsMiddleware())

	server := &Server{
		configManager:    configManager,
		matcher:          matcher,
		store:            store,
		registryState:    registryState,
		translationState: translationState,
		router:           router,
		log:              logger,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/match", s.handleMatch)
	s.router.GET("/trial/:nctId", s.handleGetTrial)
}

// matchRequest is the POST /match request body
type matchRequest struct {
	Age         int                    `json:"age"`
	Conditions  []string               `json:"conditions"`
	Medications []string               `json:"medications"`
	Location    domain.ProfileLocation `json:"location"`
	Lifestyle   *domain.Lifestyle      `json:"lifestyle"`
	Page        int                    `json:"page"`
	Limit       int                    `json:"limit"`
}

// handleHealth reports the service and its dependencies
func (s *Server) handleHealth(c *gin.Context) {
	services := gin.H{}
	status := "healthy"

	if err := s.store.Ping(c.Request.Context()); err != nil {
		services["cache"] = "unavailable"
		status = "degraded"
	} else {
		services["cache"] = "ok"
	}
	if s.registryState != nil {
		state := s.registryState()
		services["registry"] = state.String()
		if state == gobreaker.StateOpen {
			status = "degraded"
		}
	}
	if s.translationState != nil {
		state := s.translationState()
		services["translation"] = state.String()
		if state == gobreaker.StateOpen {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"status":    status,
			"services":  services,
			"timestamp": time.Now().UTC(),
		},
	})
}

// handleMatch runs the matching pipeline for a submitted profile
func (s *Server) handleMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewInvalidProfileError("request body is not valid JSON"))
		return
	}

	profile := &domain.UserProfile{
		Age:         req.Age,
		Conditions:  req.Conditions,
		Medications: req.Medications,
		Location:    req.Location,
		Lifestyle:   req.Lifestyle,
	}

	result, err := s.matcher.Match(c.Request.Context(), profile, req.Page, req.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// handleGetTrial fetches a single trial by its registry identifier
func (s *Server) handleGetTrial(c *gin.Context) {
	nctID := c.Param("nctId")
	if !nctIDPattern.MatchString(nctID) {
		s.writeError(c, domain.NewInvalidProfileError("trial identifier must match NCT followed by digits"))
		return
	}

	candidate, err := s.matcher.GetTrial(c.Request.Context(), nctID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    candidate,
	})
}

// writeError maps a pipeline error onto the JSON error envelope
func (s *Server) writeError(c *gin.Context, err error) {
	me := domain.AsMatchError(err)
	if me.HTTPStatus() >= 500 {
		s.log.WithFields(logrus.Fields{
			"correlation_id": c.GetString("correlation_id"),
			"error":          err.Error(),
		}).Error("Request failed")
	}
	c.JSON(me.HTTPStatus(), gin.H{
		"success":    false,
		"message":    me.Message,
		"error_type": string(me.Type),
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
