package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/zari-lab/labdata/auth"
	"github.com/zari-lab/labdata/config"
	"github.com/zari-lab/labdata/handlers"
	"github.com/zari-lab/labdata/internal/observability"
	"github.com/zari-lab/labdata/middleware"
	"github.com/zari-lab/labdata/repositories"
	"github.com/zari-lab/labdata/repositories/memory"
	"github.com/zari-lab/labdata/repositories/postgres"
	"github.com/zari-lab/labdata/services/accounts"
	auditsvc "github.com/zari-lab/labdata/services/audit"
	"github.com/zari-lab/labdata/services/forms"
	"github.com/zari-lab/labdata/services/notify"
	"github.com/zari-lab/labdata/services/ratelimit"
	"github.com/zari-lab/labdata/services/session"
	"github.com/zari-lab/labdata/services/versioning"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// auditStopTimeout bounds how long Close waits for queued audit events
const auditStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil on the memory backend
	Logger *zap.Logger
	Now    func() time.Time

	// Repository Factory, set on the postgres backend
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager // nil on the memory backend

	// Observability
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Services
	Audit     *auditsvc.AuditService
	Sessions  *session.Manager
	Transport *auth.CookieTransport
	Accounts  *accounts.AccountService
	Forms     *forms.FormService
	Versions  *versioning.VersioningService
	Mail      notify.Sender
	Limiter   *ratelimit.Limiter

	// Middleware
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimitMiddleware *middleware.RateLimitMiddleware

	// Handlers
	HealthHandler  *handlers.HealthHandler
	SessionHandler *handlers.SessionHandler
	AccountHandler *handlers.AccountHandler
	FormHandler    *handlers.FormHandler
	AuditHandler   *handlers.AuditHandler

	stopLimiter context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}

	// Initialize the store backend
	if err := deps.initStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	deps.initMetrics(cfg)

	// Start the audit worker pool
	if err := deps.initAudit(cfg); err != nil {
		deps.closeStore()
		return nil, fmt.Errorf("failed to initialize audit: %w", err)
	}

	deps.initServices(cfg)
	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("store_backend", cfg.Store.Backend))
	return deps, nil
}

// initStore opens the configured backend and builds the repositories
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		store := memory.NewStore(d.Logger)
		d.Repos = store.NewRepositories()
		d.Logger.Warn("using in-memory store, data will not survive a restart")
		return nil

	case config.StoreBackendPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory
		d.DB = factory.GetDB()

		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		d.Repos = factory.NewRepositories()
		d.TxManager = factory.GetTransactionManager()
		d.Logger.Info("repositories initialized",
			zap.String("connection", cfg.Database.LogString()))
		return nil
	}
	return fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	d.Metrics = observability.NewMetrics()
	if !cfg.Observability.MetricsEnabled {
		return
	}
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics.Register(d.Registry)
}

func (d *Dependencies) initAudit(cfg *config.Config) error {
	d.Audit = auditsvc.NewAuditService(d.Repos.AuditLogs, d.Logger, d.Metrics, auditsvc.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	return d.Audit.Start()
}

func (d *Dependencies) initServices(cfg *config.Config) {
	hasher := auth.NewBcryptHasher(bcrypt.DefaultCost)

	d.Sessions = session.NewManager(d.Repos.Principals, d.Audit, hasher, d.Logger, d.Metrics, session.Config{
		Lifetime: cfg.Session.Lifetime,
		Now:      d.Now,
	})
	d.Transport = auth.NewCookieTransport(cfg.Session.CookieName, cfg.Session.CookieSecure,
		auth.NewSessionCodec(cfg.Session.Secret, d.Now))

	d.Mail = notify.NewSender(cfg.Mail, d.Logger)
	d.Accounts = accounts.NewAccountService(d.Repos, d.TxManager, d.Audit, hasher,
		auth.NewResetTokens(cfg.Reset.Secret, cfg.Reset.TokenTTL, d.Now),
		d.Mail, d.Logger,
		accounts.Config{PublicBaseURL: cfg.Reset.PublicBaseURL, Now: d.Now})

	registry := forms.DefaultRegistry()
	d.Forms = forms.NewFormService(d.Repos.Documents, registry, d.Audit, d.Logger, d.Now)
	for _, k := range registry.Kinds() {
		if !k.Versioned {
			continue
		}
		versions := versioning.NewVersioningService(d.Repos.Documents, d.Audit, d.TxManager, d.Logger, d.Metrics,
			versioning.Config{Collection: k.Name, Now: d.Now})
		d.Forms.UseVersioning(k.Name, versions)
		if k.Name == forms.KindWaterAnalysis {
			d.Versions = versions
		}
	}

	d.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, d.Logger)
	sweepCtx, cancel := context.WithCancel(context.Background())
	d.stopLimiter = cancel
	go d.Limiter.Run(sweepCtx, ratelimit.DefaultSweepInterval)
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Transport, d.Sessions, d.Logger)
	d.RateLimitMiddleware = middleware.NewRateLimitMiddleware(d.Limiter, d.Metrics, d.Logger)

	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, d.Repos.Documents, d.Logger).WithAuditStats(d.Audit)
	d.SessionHandler = handlers.NewSessionHandler(d.Sessions, d.Transport, d.Logger)
	d.AccountHandler = handlers.NewAccountHandler(d.Accounts, d.Logger)
	d.FormHandler = handlers.NewFormHandler(d.Forms, d.Versions, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
}

// BootstrapAdmin ensures the configured ultra superuser exists when
// bootstrapping is enabled and a password is set
func (d *Dependencies) BootstrapAdmin(ctx context.Context) error {
	bc := d.Config.Bootstrap
	if !bc.Enabled {
		return nil
	}
	if bc.Password == "" {
		d.Logger.Warn("bootstrap admin enabled but no password configured, skipping",
			zap.String("email", bc.Email))
		return nil
	}
	if _, err := d.Accounts.BootstrapAdmin(ctx, bc); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	return nil
}

func (d *Dependencies) closeStore() {
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopLimiter != nil {
		d.stopLimiter()
	}

	// Drain queued audit events before the store goes away
	if d.Audit != nil {
		timeout := auditStopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
