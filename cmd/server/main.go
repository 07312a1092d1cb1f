package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/handlers"
	infracache "github.com/asakaida/kanshi/internal/infrastructure/cache"
	"github.com/asakaida/kanshi/internal/infrastructure/config"
	"github.com/asakaida/kanshi/internal/infrastructure/database"
	"github.com/asakaida/kanshi/internal/infrastructure/logging"
	"github.com/asakaida/kanshi/internal/infrastructure/metrics"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/repositories/memory"
	"github.com/asakaida/kanshi/internal/repositories/postgres"
	"github.com/asakaida/kanshi/internal/services"
	"github.com/asakaida/kanshi/internal/services/authorization"
	"github.com/asakaida/kanshi/pkg/cache"
	"github.com/asakaida/kanshi/pkg/cache/memorycache"
	"github.com/asakaida/kanshi/pkg/cache/rediscache"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const (
	defaultEnv = "dev"

	userFallbackSize = 10000
	userFallbackTTL  = 10 * time.Minute

	changeRetention = 7 * 24 * time.Hour
)

// stores groups the repositories behind the engine
type stores struct {
	roles    repositories.RoleRepository
	policies repositories.PolicyRepository
	users    repositories.UserPermissionRepository
	audit    repositories.AuditRepository
}

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	if err := config.InitConfig(env); err != nil {
		logrus.WithError(err).Fatal("failed to initialize config")
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := logging.New(cfg.Log)
	logger.WithField("env", env).Info("starting kanshi")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited with error")
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var pg *database.Postgres
	st := stores{
		roles:    memory.NewRoleRepository(),
		policies: memory.NewPolicyRepository(),
		users:    memory.NewUserPermissionRepository(),
		audit:    memory.NewAuditRepository(),
	}
	if cfg.Database.Enabled {
		var err error
		pg, err = database.NewPostgres(ctx, &cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = stores{
			roles:    postgres.NewPostgresRoleRepository(pg.DB),
			policies: postgres.NewPostgresPolicyRepository(pg.DB),
			users:    postgres.NewPostgresUserPermissionRepository(pg.DB),
			audit:    postgres.NewPostgresAuditRepository(pg.DB),
		}
	} else {
		logger.Warn("DB_ENABLED is false; roles, users and audit entries are kept in memory only")
	}

	// Decision cache backend
	backend, err := newCacheBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if backend != nil {
		defer backend.Close()
	}

	collector := metrics.NewCollector()
	collector.SetCache(backend)
	exporter := metrics.NewPrometheusExporter(collector)

	// Engine
	catalog := authorization.NewCatalog()
	for _, r := range cfg.Catalog.ExtraResources {
		catalog.RegisterResources(entities.PermissionResource(r))
	}
	for _, a := range cfg.Catalog.ExtraActions {
		catalog.RegisterActions(entities.PermissionAction(a))
	}

	auditLog, err := authorization.NewAuditLog(ctx, st.audit, logger, authorization.AuditLogOptions{
		PendingLimit: cfg.Audit.PendingLimit,
		Recorder:     collector,
	})
	if err != nil {
		return err
	}

	svc := services.NewPermissionService(services.Config{
		Catalog:            catalog,
		Roles:              authorization.NewRoleGraph(catalog, st.roles, logger),
		Policies:           authorization.NewPolicyStore(catalog, st.policies, logger),
		Users:              authorization.NewUserStore(catalog, st.users, logger, userFallbackSize, userFallbackTTL),
		Cache:              authorization.NewDecisionCache(backend, cfg.Cache.TTL()),
		Audit:              auditLog,
		Logger:             logger,
		Recorder:           collector,
		LogOnlyOnCacheMiss: cfg.Audit.LogOnlyOnCacheMiss,
	})
	if err := svc.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}
	if backend != nil {
		go warmCache(ctx, svc, logger)
	}

	// Cross-instance invalidation
	var listener *infracache.InvalidationListener
	if pg != nil {
		listener = infracache.NewInvalidationListener(pg.DB, cfg.Database.ConnectionString(), svc, logger, time.Minute)
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer listener.Stop()
	}

	scheduler, err := scheduleJobs(cfg, svc, backend, listener, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(collector, exporter),
		metrics.LoggingUnaryServerInterceptor(logger),
		handlers.CallerUnaryInterceptor(cfg.Auth.IsAdmin),
	))
	handlers.RegisterPermissionServiceServer(grpcServer, handlers.NewPermissionHandler(svc, logger))
	reflection.Register(grpcServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Metrics and health
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if pg != nil {
			if err := pg.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 2)
	go func() {
		logger.WithField("addr", addr).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			serverErrors <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErrors:
	case <-ctx.Done():
		logger.Info("initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("failed to stop metrics server")
	}
	if err := svc.FlushAudit(shutdownCtx); err != nil {
		logger.WithError(err).WithField("pending", auditLog.Pending()).Error("audit entries left unpersisted at shutdown")
	}
	return runErr
}

func newCacheBackend(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		c, err := rediscache.New(ctx, &rediscache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			DefaultTTL: cfg.Cache.TTL(),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    cfg.Cache.TTL(),
			EnableMetrics: cfg.Cache.Metrics,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func scheduleJobs(cfg *config.Config, svc *services.PermissionService, backend cache.Cache, listener *infracache.InvalidationListener, logger logrus.FieldLogger) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.Sync.Schedule, func() {
		if err := svc.Sync(context.Background()); err != nil {
			logger.WithError(err).Warn("scheduled sync failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid SYNC_SCHEDULE %q: %w", cfg.Sync.Schedule, err)
	}

	if _, err := c.AddFunc(cfg.Audit.RetrySchedule, func() {
		if err := svc.FlushAudit(context.Background()); err != nil {
			logger.WithError(err).Warn("audit retry failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid AUDIT_RETRY_SCHEDULE %q: %w", cfg.Audit.RetrySchedule, err)
	}

	if mem, ok := backend.(*memorycache.Cache); ok {
		if _, err := c.AddFunc("@every 1m", func() {
			if n := mem.DeleteExpired(); n > 0 {
				logger.WithField("removed", n).Debug("expired cache entries removed")
			}
		}); err != nil {
			return nil, err
		}
	}

	if listener != nil {
		if _, err := c.AddFunc("@daily", func() {
			n, err := listener.Prune(context.Background(), changeRetention)
			if err != nil {
				logger.WithError(err).Warn("failed to prune permission changes")
				return
			}
			logger.WithField("removed", n).Info("permission changes pruned")
		}); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// warmCache resolves every user once so the first checks after startup
// hit the cache
func warmCache(ctx context.Context, svc *services.PermissionService, logger logrus.FieldLogger) {
	start := time.Now()
	cursor, err := svc.ReResolveUsers(ctx, "", 500)
	entry := logger.WithFields(logrus.Fields{
		"cursor":      cursor,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Warn("cache warm-up stopped early")
		return
	}
	entry.Info("cache warm-up finished")
}
