package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/asakaida/kanshi/internal/handlers"
	infracache "github.com/asakaida/kanshi/internal/infrastructure/cache"
	"github.com/asakaida/kanshi/internal/infrastructure/config"
	"github.com/asakaida/kanshi/internal/infrastructure/database"
	"github.com/asakaida/kanshi/internal/repositories/postgres"
	"github.com/asakaida/kanshi/internal/services"
	"github.com/asakaida/kanshi/internal/services/authorization"
	"github.com/asakaida/kanshi/pkg/cache/memorycache"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// adminID is treated as privileged by every test server
const adminID = "e2e-admin"

// E2ETestServer is one engine instance over the shared test database,
// served on an in-memory gRPC listener
type E2ETestServer struct {
	Server   *grpc.Server
	Client   *handlers.Client
	Admin    *handlers.Client
	Service  *services.PermissionService
	Conn     *grpc.ClientConn
	DB       *sql.DB
	Listener *bufconn.Listener

	invalidation *infracache.InvalidationListener
	backend      *memorycache.Cache
	cfg          *config.Config
}

// testDatabase connects to the test database and migrates it. Tests are
// skipped when no database is reachable.
func testDatabase(t *testing.T) (*database.Postgres, *config.Config) {
	t.Helper()

	if err := config.InitConfig("test"); err != nil {
		t.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Skipf("test database not configured: %v", err)
	}

	logger, _ := test.NewNullLogger()
	pg, err := database.NewPostgres(context.Background(), &cfg.Database, logger)
	if err != nil {
		t.Skipf("test database unavailable: %v", err)
	}

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("failed to find project root: %v", err)
	}
	migrationsPath := projectRoot + "/internal/infrastructure/database/migrations/postgres"
	if err := pg.RunMigrations(migrationsPath); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return pg, cfg
}

// SetupE2ETest starts a server on an empty database. Everything is torn
// down by t.Cleanup, peers before the database.
func SetupE2ETest(t *testing.T) *E2ETestServer {
	t.Helper()
	pg, cfg := testDatabase(t)
	cleanupDatabase(t, pg.DB)
	t.Cleanup(func() {
		cleanupDatabase(t, pg.DB)
		pg.Close()
	})
	return startInstance(t, pg.DB, cfg)
}

// StartPeer starts another instance over the same database as e, as a
// second replica behind a load balancer would be
func (e *E2ETestServer) StartPeer(t *testing.T) *E2ETestServer {
	t.Helper()
	return startInstance(t, e.DB, e.cfg)
}

func startInstance(t *testing.T, db *sql.DB, cfg *config.Config) *E2ETestServer {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	backend, err := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute, EnableMetrics: true})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	catalog := authorization.NewCatalog()
	catalog.RegisterResources("pos", "cash_drawer")
	catalog.RegisterActions("access")

	auditLog, err := authorization.NewAuditLog(ctx, postgres.NewPostgresAuditRepository(db), logger, authorization.AuditLogOptions{})
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}

	svc := services.NewPermissionService(services.Config{
		Catalog:  catalog,
		Roles:    authorization.NewRoleGraph(catalog, postgres.NewPostgresRoleRepository(db), logger),
		Policies: authorization.NewPolicyStore(catalog, postgres.NewPostgresPolicyRepository(db), logger),
		Users:    authorization.NewUserStore(catalog, postgres.NewPostgresUserPermissionRepository(db), logger, 100, time.Minute),
		Cache:    authorization.NewDecisionCache(backend, time.Minute),
		Audit:    auditLog,
		Logger:   logger,
	})
	if err := svc.Sync(ctx); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	invalidation := infracache.NewInvalidationListener(db, cfg.Database.ConnectionString(), svc, logger, time.Second)
	if err := invalidation.Start(ctx); err != nil {
		t.Fatalf("failed to start invalidation listener: %v", err)
	}

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handlers.CallerUnaryInterceptor(func(id string) bool { return id == adminID }),
	))
	handlers.RegisterPermissionServiceServer(server, handlers.NewPermissionHandler(svc, logger))
	go func() {
		if err := server.Serve(listener); err != nil {
			t.Logf("server error: %v", err)
		}
	}()

	bufDialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough://bufconn",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to create client connection: %v", err)
	}

	client := handlers.NewClient(conn)
	e := &E2ETestServer{
		Server:       server,
		Client:       client,
		Admin:        client.As(adminID),
		Service:      svc,
		Conn:         conn,
		DB:           db,
		Listener:     listener,
		invalidation: invalidation,
		backend:      backend,
		cfg:          cfg,
	}
	t.Cleanup(func() { e.stop() })
	return e
}

func (e *E2ETestServer) stop() {
	if e.Conn != nil {
		e.Conn.Close()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
	if e.invalidation != nil {
		e.invalidation.Stop()
	}
	if e.Service != nil {
		e.Service.FlushAudit(context.Background())
	}
	e.backend.Close()
}

// cleanupDatabase removes all data from the test database. TRUNCATE skips
// the audit table's append-only row triggers.
func cleanupDatabase(t *testing.T, db *sql.DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := "TRUNCATE permission_audit, permission_changes, user_permissions, policies, roles"
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Logf("warning: failed to clean up tables: %v", err)
	}
}

// eventually retries cond until it holds or timeout elapses
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

// findProjectRoot finds the project root directory by looking for go.mod
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project root not found")
		}
		dir = parent
	}
}
