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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/config"
	"github.com/mbd888/agora/internal/escrow"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/health"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/ratelimit"
	"github.com/mbd888/agora/internal/realtime"
	"github.com/mbd888/agora/internal/reconciliation"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/retry"
	"github.com/mbd888/agora/internal/security"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/txn"
	"github.com/mbd888/agora/migrations"
)

// Version is reported by the health endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	admin          *admin.Controller
	events         *events.Log
	ledger         *ledger.Ledger
	registry       *registry.Service
	agentCache     *registry.CachedStore
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	custodyMonitor *reconciliation.Monitor
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

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

// WithDB uses an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(health.DefaultTimeout),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.otlpEndpoint(),
		Version:     Version,
		Env:         cfg.Env,
		SampleRatio: cfg.OTelSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Postgres may still be starting.
		ping := retry.Policy{
			Attempts:  5,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				s.logger.Warn("database not ready", "attempt", attempt, "error", err, "retryIn", wait)
			},
		}
		err = ping.Do(ctx, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := s.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if err := s.setupServices(); err != nil {
		return nil, err
	}
	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// ensureSchema applies pending migrations when AutoMigrate is set and
// otherwise only warns about them.
func (s *Server) ensureSchema(ctx context.Context) error {
	if s.cfg.AutoMigrate {
		v, err := migrations.Up(ctx, s.db)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		s.logger.Info("database schema migrated", "version", v)
		return nil
	}
	if err := migrations.Check(ctx, s.db); err != nil {
		s.logger.Warn("database schema may be out of date; run cmd/migrate or set AUTO_MIGRATE", "error", err)
	}
	return nil
}

func (s *Server) otlpEndpoint() string {
	if !s.cfg.OTelEnabled {
		return ""
	}
	return s.cfg.OTelEndpoint
}

// setupServices builds the stores and services. Postgres is used when a
// database is available, memory stores otherwise.
func (s *Server) setupServices() error {
	var (
		eventStore    events.Store
		ledgerStore   ledger.Store
		registryStore registry.Store
		escrowStore   escrow.Store
		transactor    txn.Runner = txn.NewMemory()
	)
	if s.db != nil {
		eventStore = events.NewPostgresStore(s.db)
		ledgerStore = ledger.NewPostgresStore(s.db)
		registryStore = registry.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		transactor = txn.NewPostgres(s.db, nil)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		eventStore = events.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		registryStore = registry.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
	}

	s.events = events.NewLog(eventStore, logging.WithComponent(s.logger, "events"))
	s.realtimeHub = realtime.NewHub(logging.WithComponent(s.logger, "realtime"))
	s.events.Subscribe(s.realtimeHub)

	s.admin = admin.NewController(s.cfg.OwnerAddress, s.events, logging.WithComponent(s.logger, "admin"))
	if s.cfg.StartPaused {
		s.admin.SetPaused(true)
		s.logger.Warn("starting paused")
	}

	s.ledger = ledger.New(ledgerStore, logging.WithComponent(s.logger, "ledger"))

	cache, err := registry.NewCachedStore(registryStore, s.cfg.AgentCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create agent cache: %w", err)
	}
	s.agentCache = cache

	regLimits := registry.DefaultLimits()
	regLimits.MaxCapabilities = s.cfg.MaxCapabilities
	regLimits.MaxPageSize = s.cfg.MaxPageSize
	s.registry = registry.NewService(cache, s.admin, s.events, logging.WithComponent(s.logger, "registry")).
		WithLimits(regLimits)

	escLimits := escrow.DefaultLimits()
	escLimits.MaxPageSize = s.cfg.MaxPageSize
	escrowLogger := logging.WithComponent(s.logger, "escrow")
	s.escrowService = escrow.NewService(escrowStore, s.ledger, s.admin, s.events, escrowLogger).
		WithLimits(escLimits).
		WithDefaultExpiration(s.cfg.EscrowDefaultDays).
		WithGasStipend(s.cfg.TransferGasStipend).
		WithTransactor(transactor)
	s.escrowTimer = escrow.NewTimer(escrowStore, s.cfg.ExpiryScanInterval, escrowLogger)

	reconLogger := logging.WithComponent(s.logger, "reconciliation")
	s.reconciler = reconciliation.NewRunner(s.escrowService, reconLogger)
	s.custodyMonitor = reconciliation.NewMonitor(s.reconciler, s.cfg.ReconcileInterval, reconLogger)

	s.logger.Info("services initialized",
		"owner", s.cfg.OwnerAddress.Hex(),
		"custody", s.escrowService.Custody().Hex(),
		"paused", s.admin.Paused(),
	)
	return nil
}

func (s *Server) setupHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("escrow_timer", health.Worker(s.escrowTimer.Running))
	s.health.Register("escrow_expiry", health.ExpiryBacklog(s.escrowTimer.Overdue, s.cfg.ExpiryBacklogLimit))
	s.health.Register("custody_monitor", health.Worker(s.custodyMonitor.Running))
	s.health.Register("custody", health.Custody(s.custodyMonitor.Mismatches, 2))
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

	s.router.Use(security.Headers(s.cfg.Env == "production"))
	s.router.Use(security.CORS(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimit(security.DefaultMaxBodyBytes))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader(security.RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header(security.RequestIDHeader, requestID)

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
		if caller, ok := auth.Caller(c); ok {
			logger = logger.With("caller", caller.Hex())
		}

		// Log level based on status code
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
			logger.Info("request completed",
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
	s.router.GET("/health", s.livenessHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.NewVerifier(s.cfg.AuthMaxSkew)))

	registryHandler := registry.NewHandler(s.registry)
	escrowHandler := escrow.NewHandler(s.escrowService)
	adminHandler := admin.NewHandler(s.admin).WithReconciler(s.reconciler)
	if s.cfg.DevFunding {
		adminHandler.WithMinter(s.ledger)
		s.logger.Warn("development funding enabled")
	}

	// Public reads
	registryHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	events.NewHandler(s.events).RegisterRoutes(v1)
	adminHandler.RegisterRoutes(v1)

	// Authenticated writes, rejected while paused
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), admin.WhenNotPaused(s.admin))
	registryHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)

	// Owner only. Pausing must keep working while paused.
	owner := v1.Group("")
	owner.Use(auth.RequireAuth(), admin.RequireOwner(s.admin))
	adminHandler.RegisterOwnerRoutes(owner)

	ownerWrites := owner.Group("")
	ownerWrites.Use(admin.WhenNotPaused(s.admin))
	registryHandler.RegisterOwnerRoutes(ownerWrites)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Paused    bool            `json:"paused"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive", "version": Version})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:    "not_ready",
			Version:   Version,
			Paused:    s.admin.Paused(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	ok, checks := s.health.CheckAll(c.Request.Context())
	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Paused:    s.admin.Paused(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background workers, and blocks until ctx
// is cancelled or one of them fails. It then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.escrowTimer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.custodyMonitor.Start(gctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server. Background workers stop with the
// context passed to Run.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.escrowTimer.Stop()
	s.custodyMonitor.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
