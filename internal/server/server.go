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
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/pointsync/internal/auth"
	"github.com/mbd888/pointsync/internal/config"
	"github.com/mbd888/pointsync/internal/health"
	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/logging"
	"github.com/mbd888/pointsync/internal/metrics"
	"github.com/mbd888/pointsync/internal/ratelimit"
	"github.com/mbd888/pointsync/internal/realtime"
	"github.com/mbd888/pointsync/internal/reconciliation"
	"github.com/mbd888/pointsync/internal/retry"
	"github.com/mbd888/pointsync/internal/traces"
	"github.com/mbd888/pointsync/migrations"
)

const (
	runtimeSampleInterval = 15 * time.Second
	shutdownTimeout       = 30 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	store       ledger.Store
	ledger      *ledger.Service
	realtimeHub *realtime.Hub
	gate        auth.Gate
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

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

// WithStore sets the ledger store instead of choosing one from the config.
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGate sets the access gate instead of building one from the
// configured password hashes.
func WithGate(g auth.Gate) Option {
	return func(s *Server) {
		s.gate = g
	}
}

// WithVersion sets the version reported by /health and the tracer.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			if cfg.AutoMigrate {
				if err := migrate(ctx, db, s.logger); err != nil {
					_ = db.Close()
					return nil, err
				}
			}
			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, balances are kept in memory and lost on restart")
		}
	}

	if s.gate == nil {
		gate := auth.NewStaticGate(cfg.ParentPasswordHash, cfg.ViewerPasswordHash)
		if gate.Open() {
			s.logger.Warn("no access passwords configured, every caller may mutate points")
		}
		s.gate = gate
	}

	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithAllowedOrigins(cfg.AllowedOrigins),
		realtime.WithMutationLookup(s.lookupMutation),
	)

	s.ledger = ledger.NewService(s.store, s.logger,
		ledger.WithPublisher(&hubPublisher{hub: s.realtimeHub}),
		ledger.WithLimits(ledger.Limits{
			MaxDelta:        cfg.MaxDelta,
			MaxReasonLength: cfg.MaxReasonLength,
		}),
		ledger.WithStoreTimeout(cfg.StoreTimeout),
	)

	s.reconciler = reconciliation.NewRunner(s.store, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry(healthCheckTimeout)
	s.health.RegisterPing("ledger", s.ledger.Ping)
	s.health.RegisterPing("realtime", s.realtimeHub.Ping)
	s.health.Register("reconciliation", s.reconciliationStatus)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openDatabase opens the pool and waits for the first successful ping.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, 5, 500*time.Millisecond, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// migrate applies the embedded schema migrations.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.gate))

	read := v1.Group("", auth.Require(auth.CapRead))
	ledgerHandler.RegisterReadRoutes(read)
	read.GET("/ws", s.websocketHandler)

	mutate := v1.Group("", auth.Require(auth.CapMutate))
	ledgerHandler.RegisterMutateRoutes(mutate)

	admin := v1.Group("/admin", auth.Require(auth.CapAdmin))
	admin.GET("/reconcile", s.reconciler.Handle)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

func (s *Server) websocketHandler(c *gin.Context) {
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, a shutdown signal arrives or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error { return s.rateLimiter.Run(gctx) })
	g.Go(func() error { return s.reconTimer.Start(gctx) })
	g.Go(func() error { return metrics.StartRuntimeCollector(gctx, s.db, runtimeSampleInterval) })

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(shutdownTracing)
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// Shutdown drains HTTP traffic, flushes traces and closes the database.
// Background loops stop with the Run context.
func (s *Server) Shutdown(flushTraces func(context.Context) error) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if flushTraces != nil {
		if err := flushTraces(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the mutation service.
func (s *Server) Ledger() *ledger.Service {
	return s.ledger
}

// Hub returns the push hub.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}
