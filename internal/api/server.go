package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"hilo-trend-engine/internal/auth"
	"hilo-trend-engine/internal/autopilot"
	"hilo-trend-engine/internal/database"
	"hilo-trend-engine/internal/events"
	"hilo-trend-engine/internal/logging"
	"hilo-trend-engine/internal/metrics"
	"hilo-trend-engine/internal/optimizer"
	"hilo-trend-engine/internal/position"
	"hilo-trend-engine/internal/signal"
)

// CycleRunner runs and reports decision cycles
type CycleRunner interface {
	RunCycle(ctx context.Context) (*autopilot.CycleSummary, error)
	LastSummary() *autopilot.CycleSummary
	Assets() []string
}

// CycleHistory serves persisted cycles, including after a restart
type CycleHistory interface {
	LatestCycle(ctx context.Context) (*database.CycleRecord, error)
	ListCycles(ctx context.Context, limit int) ([]database.CycleRecord, error)
}

// PositionService lists and closes exchange positions
type PositionService interface {
	Positions(ctx context.Context) ([]position.Position, error)
	Close(ctx context.Context, asset string) position.OrderOutcome
}

// OptimizeService runs the period search for one asset
type OptimizeService interface {
	OptimizeAsset(ctx context.Context, asset string) (*optimizer.Outcome, error)
}

// HealthCheck is a named dependency probe
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the engine components the API exposes. Nil members
// disable their routes with 503.
type Dependencies struct {
	Cycles    CycleRunner
	History   CycleHistory
	Gate      *signal.Gate
	Positions PositionService
	Optimizer OptimizeService
	Metrics   *metrics.Recorder
	Bus       *events.EventBus
	JWT       *auth.JWTManager
	Health    []HealthCheck
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server represents the HTTP operator API
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	config     ServerConfig
	hub        *WSHub
	logger     zerolog.Logger
	started    time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger = logger.With().Str("component", "API").Logger()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || config.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		deps:    deps,
		config:  config,
		hub:     NewWSHub(config.AllowedOrigins, logger),
		logger:  logger,
		started: time.Now(),
	}
	s.hub.Attach(deps.Bus)
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event-stream hub
func (s *Server) Hub() *WSHub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.deps.JWT))
	{
		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions/:asset/close", auth.RequireOperator(), s.handleClosePosition)

		api.POST("/cycles", auth.RequireOperator(), s.handleRunCycle)
		api.GET("/cycles/last", s.handleLastCycle)
		api.GET("/cycles", s.handleListCycles)

		api.GET("/gate", s.handleGateStatuses)
		api.GET("/gate/:asset", s.handleGateStatus)
		api.GET("/ledger/:asset", s.handleLedger)
		api.POST("/ledger/rearm", auth.RequireOperator(), s.handleRearm)

		api.POST("/optimize/:asset", auth.RequireOperator(), s.handleOptimize)

		api.GET("/events/ws", s.hub.handleWebSocket)
	}
}

// Start runs the hub and serves HTTP until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	body := gin.H{
		"error":   true,
		"message": message,
	}
	if id := logging.TraceID(c.Request.Context()); id != "" {
		body["trace_id"] = id
	}
	c.JSON(statusCode, body)
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
