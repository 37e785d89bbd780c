// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/aggregate"
	"github.com/mbd888/domainlens/internal/config"
	"github.com/mbd888/domainlens/internal/engine"
	"github.com/mbd888/domainlens/internal/health"
	"github.com/mbd888/domainlens/internal/idgen"
	"github.com/mbd888/domainlens/internal/logging"
	"github.com/mbd888/domainlens/internal/metrics"
	"github.com/mbd888/domainlens/internal/ratelimit"
	"github.com/mbd888/domainlens/internal/realtime"
	"github.com/mbd888/domainlens/internal/retry"
	"github.com/mbd888/domainlens/internal/risk"
	"github.com/mbd888/domainlens/internal/security"
	"github.com/mbd888/domainlens/internal/traces"
	"github.com/mbd888/domainlens/internal/validation"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	engine          *engine.Service
	aggregates      aggregate.Store
	history         risk.Store
	redis           *aggregate.RedisStore // nil unless REDIS_URL is set
	realtimeHub     *realtime.Hub
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	engineOpts      func(*engine.Options)
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAggregateStore sets the bucket store instead of the one chosen from config (for testing)
func WithAggregateStore(store aggregate.Store) Option {
	return func(s *Server) {
		s.aggregates = store
	}
}

// WithEngineOptions adjusts the engine options derived from config
func WithEngineOptions(fn func(*engine.Options)) Option {
	return func(s *Server) {
		s.engineOpts = fn
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Risk history lives in Postgres when DATABASE_URL is set
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection; the database may still be starting next to us
		if err := retry.Do(ctx, retry.Startup, db.PingContext); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		riskStore := risk.NewPostgresStore(db)
		if err := riskStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk store", "error", err)
		}
		s.history = riskStore

		if s.aggregates == nil && cfg.RedisURL == "" {
			aggStore := aggregate.NewPostgresStore(db)
			if err := aggStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate aggregate store", "error", err)
			}
			s.aggregates = aggStore
		}
	} else {
		s.history = risk.NewMemoryStore()
	}

	// Redis takes the aggregate buckets when configured
	if s.aggregates == nil && cfg.RedisURL != "" {
		var rs *aggregate.RedisStore
		err := retry.Do(ctx, retry.Startup, func(ctx context.Context) error {
			var err error
			rs, err = aggregate.NewRedisStore(ctx, cfg.RedisURL)
			if errors.Is(err, aggregate.ErrBadRedisURL) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			if s.db != nil {
				_ = s.db.Close()
			}
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rs
		s.aggregates = rs
		s.logger.Info("using Redis aggregate store", "url", maskDSN(cfg.RedisURL))
	}

	if s.aggregates == nil {
		s.aggregates = aggregate.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	engineOpts := engineOptions(cfg)
	if s.engineOpts != nil {
		s.engineOpts(&engineOpts)
	}
	s.engine = engine.NewService(s.aggregates, s.history, engineOpts, s.logger).
		WithNotifier(&realtimeNotifier{hub: s.realtimeHub})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// engineOptions maps config onto engine and session graph settings
func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.Session.ContextTTL = cfg.SessionContextTTL
	opts.Session.TabTTL = cfg.SessionTabTTL
	opts.Session.MaxContexts = cfg.SessionMaxContexts
	opts.Session.MaxEvents = cfg.SessionMaxEvents
	opts.RoundTripTTL = cfg.RoundTripTTL
	opts.ReclassifyWindow = cfg.ReclassifyWindow
	opts.GCSampleRate = cfg.GCSampleRate
	opts.GCInterval = cfg.GCInterval
	opts.QueueSize = cfg.QueueSize
	return opts
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the extension and review UI origins
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if src := c.GetHeader(ratelimit.SourceHeader); src != "" {
			ctx = logging.WithProbeSource(ctx, validation.SanitizeString(src, 64))
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code. Paths are logged, never query
		// strings: they carry browsing history.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/v1/stats", s.statsHandler)

	v1 := s.router.Group("/v1")
	engineHandler := engine.NewHandler(s.engine)
	engineHandler.RegisterRoutes(v1)

	// Probe events are rate limited per probe source
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, min(ratelimit.DefaultConfig().BurstSize, s.cfg.RateLimitRPM)),
		CleanupInterval:   time.Minute,
	})
	events := v1.Group("")
	events.Use(s.rateLimiter.Middleware())
	engineHandler.RegisterEventRoutes(events)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		checks[st.Name] = st.Label()
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// registerHealthChecks wires every configured dependency into the probe registry
func (s *Server) registerHealthChecks() {
	s.health = health.NewRegistry(5 * time.Second)
	s.health.RegisterPing("store", s.aggregates.Ping)
	if s.db != nil {
		s.health.RegisterPing("database", s.db.PingContext)
	}
	s.health.RegisterFlag("queue", "stopped", s.engine.Queue().Running)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "domainlens",
		"description": "Classifies browsing activity per domain and scores how much attention each domain deserves",
		"version":     Version,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	q := s.engine.Queue()
	c.JSON(http.StatusOK, gin.H{
		"queue": gin.H{
			"running":   q.Running(),
			"depth":     q.Depth(),
			"processed": q.Processed(),
			"failed":    q.Failed(),
		},
		"realtime": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the work queue and session janitor
	s.engine.Start(runCtx)

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Sample connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the queue after the last request: pending units finish or fail with ErrQueueClosed
	s.engine.Stop()
	s.logger.Info("work queue stopped",
		"processed", s.engine.Queue().Processed(),
		"failed", s.engine.Queue().Failed())

	// Cancel the context for all background goroutines (hub, janitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the classification service
func (s *Server) Engine() *engine.Service {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.Hex(16)
}

// -----------------------------------------------------------------------------
// Realtime adapter
// -----------------------------------------------------------------------------

// realtimeNotifier adapts realtime.Hub to engine.Notifier
type realtimeNotifier struct {
	hub *realtime.Hub
}

func (n *realtimeNotifier) Classified(est *activity.Estimation) {
	if n.hub != nil {
		n.hub.BroadcastClassified(est.Domain, *est)
	}
}

func (n *realtimeNotifier) StateChanged(rec *risk.Record, from activity.ManagementState) {
	if n.hub != nil {
		n.hub.BroadcastStateChange(realtime.StateChange{
			Domain:     rec.Domain,
			From:       string(from),
			To:         string(rec.State),
			RiskScore:  rec.Score,
			Level:      rec.Level.String(),
			Confidence: rec.Confidence,
		})
	}
}

func (n *realtimeNotifier) RoundTripConfirmed(rp, idp string, elapsed time.Duration) {
	if n.hub != nil {
		n.hub.BroadcastRoundTrip(realtime.RoundTrip{
			RPDomain:  rp,
			IdPDomain: idp,
			ElapsedMS: elapsed.Milliseconds(),
		})
	}
}

var _ engine.Notifier = (*realtimeNotifier)(nil)
