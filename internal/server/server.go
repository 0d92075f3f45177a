// Package server wires the stores, settlement and reconciliation services
// into the HTTP API and owns their lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
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
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/stableflow/internal/auth"
	"github.com/mbd888/stableflow/internal/chain"
	"github.com/mbd888/stableflow/internal/config"
	"github.com/mbd888/stableflow/internal/docstore"
	"github.com/mbd888/stableflow/internal/employee"
	"github.com/mbd888/stableflow/internal/events"
	"github.com/mbd888/stableflow/internal/expense"
	"github.com/mbd888/stableflow/internal/health"
	"github.com/mbd888/stableflow/internal/idgen"
	"github.com/mbd888/stableflow/internal/lease"
	"github.com/mbd888/stableflow/internal/ledger"
	"github.com/mbd888/stableflow/internal/logging"
	"github.com/mbd888/stableflow/internal/metrics"
	"github.com/mbd888/stableflow/internal/payment"
	"github.com/mbd888/stableflow/internal/ratelimit"
	"github.com/mbd888/stableflow/internal/realtime"
	"github.com/mbd888/stableflow/internal/reconciliation"
	"github.com/mbd888/stableflow/internal/security"
	"github.com/mbd888/stableflow/internal/traces"
	"github.com/mbd888/stableflow/internal/treasury"
	"github.com/mbd888/stableflow/internal/validation"
	"github.com/mbd888/stableflow/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db       *sql.DB // nil if using in-memory
	docs     docstore.Store
	redis    goredis.UniversalClient
	leases   lease.Leaser
	chain    chain.Client
	treasury *treasury.Treasury
	secrets  treasury.SecretsAPI

	directory   *employee.Directory
	claims      *expense.Manager
	ledger      *ledger.Ledger
	payments    *payment.Engine
	balances    *reconciliation.Service
	monitor     *reconciliation.Monitor
	coverage    *reconciliation.CoverageCheck
	emitter     *events.Emitter
	amqp        *events.AMQPPublisher
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drain           time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithChainClient sets a custom chain client (for testing)
func WithChainClient(c chain.Client) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithSecrets sets the Secrets Manager client used to load the treasury key.
func WithSecrets(api treasury.SecretsAPI) Option {
	return func(s *Server) {
		s.secrets = api
	}
}

// WithShutdownDrain sets how long Shutdown waits for load balancers to
// stop routing before closing the listener.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		drain:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		s.shutdownTracing = shutdown
	}

	if err := s.initStorage(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.initChain(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	s.initServices()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// initStorage picks Postgres when DATABASE_URL is set and Redis leases
// when REDIS_URL is set, falling back to in-process implementations.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		pg := docstore.NewPostgresStore(db, s.logger)
		if err := pg.Listen(s.cfg.DatabaseURL); err != nil {
			s.logger.Warn("cross-instance notifications disabled", "error", err)
		}
		s.docs = pg
		s.logger.Info("using postgres document store", "dsn", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.docs = docstore.NewMemoryStore(s.logger)
		s.logger.Warn("using in-memory document store, data is lost on restart")
	}

	if s.cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		s.redis = client

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.leases = lease.NewRedisLeaser(client, s.cfg.LeaseTTL)
		s.logger.Info("using redis claim leases", "ttl", s.cfg.LeaseTTL)
	} else {
		s.leases = lease.NewMemoryLeaser()
	}
	return nil
}

// initChain dials the RPC endpoint and loads the treasury key. A missing
// key leaves settlement disabled rather than failing startup.
func (s *Server) initChain(ctx context.Context) error {
	if s.chain == nil {
		client, err := chain.NewEVMClient(chain.Config{
			RPCURL:              s.cfg.RPCURL,
			ChainID:             s.cfg.ChainID,
			USDCContract:        s.cfg.USDCContract,
			ConfirmationTimeout: s.cfg.ConfirmationTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = client
	}

	if !s.cfg.TreasuryConfigured() {
		s.logger.Warn("no treasury key configured, settlement is disabled")
		return nil
	}

	if s.cfg.TreasuryKeySecretARN != "" && s.secrets == nil {
		sm, err := treasury.NewSecretsManager(ctx)
		if err != nil {
			return err
		}
		s.secrets = sm
	}
	key, err := treasury.LoadKey(ctx, treasury.KeySource{
		PrivateKey: s.cfg.TreasuryPrivateKey,
		SecretARN:  s.cfg.TreasuryKeySecretARN,
	}, s.secrets, s.logger)
	if err != nil {
		return err
	}
	t, err := treasury.New(key, s.chain)
	if err != nil {
		return fmt.Errorf("failed to initialize treasury: %w", err)
	}
	s.treasury = t
	s.logger.Info("treasury initialized", "address", t.Address().Hex())
	return nil
}

func (s *Server) initServices() {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.emitter = events.NewEmitter(s.logger, s.realtimeHub)
	if s.cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(s.cfg.AMQPURL, s.cfg.AMQPExchange, s.logger)
		if err != nil {
			s.logger.Warn("event broker unavailable, publishing to websocket clients only", "error", err)
		} else {
			s.amqp = pub
			s.emitter.AddSink(pub)
		}
	}

	s.directory = employee.NewDirectory(s.docs, s.logger)
	s.claims = expense.NewManager(s.docs, s.leases, s.cfg.MaxClaimAmount, s.logger).
		WithReviewers(s.directory).
		WithOwners(s.directory).
		WithNotifier(s.emitter)
	s.ledger = ledger.New(s.docs, s.logger)

	s.payments = payment.NewEngine(s.claims, s.directory, s.chain, s.treasury, s.leases, s.docs, payment.Config{
		ExplorerURL:       s.cfg.ExplorerURL,
		SettlementTimeout: s.cfg.SettlementTimeout,
	}, s.logger).WithNotifier(s.emitter)

	s.balances = reconciliation.NewService(s.ledger, s.directory, s.chain, s.logger)
	s.monitor = reconciliation.NewMonitor(s.claims, s.cfg.StatsMode, s.cfg.StatsBatchSize, s.logger)
	s.coverage = reconciliation.NewCoverageCheck(s.claims, s.treasury, s.cfg.CoverageCheckInterval, s.logger)

	s.health = health.NewRegistry(3 * time.Second)
	s.health.Register("docstore", true, s.docs.Ping)
	if s.redis != nil {
		s.health.Register("redis", true, func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
	}
	s.health.Register("chain", false, func(ctx context.Context) error {
		_, err := s.chain.NativeBalance(ctx, s.treasury.Address().Hex())
		return err
	})
	s.health.Register("treasury", false, func(ctx context.Context) error {
		if !s.treasury.Initialized() {
			return treasury.ErrUninitialized
		}
		return nil
	})
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID before identity so both land on the request logger
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware())

	// Rate limiting keys on the caller once identity is known
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: s.cfg.RateLimitRPS})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Claim event stream; non-reviewers only see their own claims
	s.router.GET("/ws", s.realtimeHub.Handler(s.directory))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/info", s.infoHandler)

		employee.NewHandler(s.directory).RegisterRoutes(v1)
		expense.NewHandler(s.claims).RegisterRoutes(v1)
		payment.NewHandler(s.payments, s.directory).RegisterRoutes(v1)
		ledger.NewHandler(s.ledger, s.directory).RegisterRoutes(v1)
		reconciliation.NewHandler(s.balances, s.monitor, s.coverage, s.claims, s.directory).RegisterRoutes(v1)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the /health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	} else {
		for _, ch := range checks {
			if !ch.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// readinessHandler also fails while the server is starting or draining.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":         "StableFlow",
		"description":  "Expense claims settled in USDC",
		"version":      s.version,
		"chainId":      s.cfg.ChainID,
		"usdcContract": s.cfg.USDCContract,
		"treasury":     s.treasury.Address().Hex(),
		"settlement":   s.treasury.Initialized(),
		"statsMode":    s.cfg.StatsMode,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx := s.startBackground(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.SettlementTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"treasury", s.treasury.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-runCtx.Done():
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, event delivery, statistics monitor,
// coverage timer and pool sampler. They stop when Shutdown cancels runCtx.
func (s *Server) startBackground(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.emitter.Run(runCtx)

	if err := s.monitor.Start(runCtx); err != nil {
		s.logger.Error("failed to start claim statistics monitor", "error", err)
	}
	go s.coverage.Start(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	return runCtx
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drain > 0 {
		time.Sleep(s.drain)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
		cancel()
	}

	// Requests are drained; stop background work and flush pending events
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.coverage != nil {
		s.coverage.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.emitter != nil {
		s.emitter.Close()
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return shutdownErr
}

// closeResources releases connections in reverse order of creation.
func (s *Server) closeResources() {
	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Error("event broker close error", "error", err)
		}
	}
	if s.treasury != nil {
		_ = s.treasury.Close()
	}
	if c, ok := s.chain.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	if s.docs != nil {
		if err := s.docs.Close(); err != nil {
			s.logger.Error("document store close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		cancel()
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
