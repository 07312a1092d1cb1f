package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Audit    AuditConfig
	Sync     SyncConfig
	Auth     AuthConfig
	Catalog  CatalogConfig
	Log      LogConfig
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host        string
	Port        int
	MetricsPort int // Port for Prometheus metrics HTTP server
}

// CacheConfig represents decision cache configuration
type CacheConfig struct {
	Enabled        bool
	Backend        string // memory or redis
	MaxMemoryBytes int64  // Maximum memory usage of the memory backend in bytes
	Metrics        bool
	TTLMinutes     int // Time-to-live for cache entries in minutes
}

// TTL returns the cache entry lifetime
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// RedisConfig represents the redis cache backend
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// AuditConfig represents audit log configuration
type AuditConfig struct {
	LogOnlyOnCacheMiss bool
	PendingLimit       int
	RetrySchedule      string // cron spec for retrying unpersisted entries
}

// SyncConfig controls periodic reloads from the durable store
type SyncConfig struct {
	Schedule string
}

// AuthConfig lists caller ids treated as privileged
type AuthConfig struct {
	AdminUserIDs []string
}

// IsAdmin reports whether userID is privileged
func (a *AuthConfig) IsAdmin(userID string) bool {
	for _, id := range a.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CatalogConfig extends the built-in permission vocabulary
type CatalogConfig struct {
	ExtraResources []string
	ExtraActions   []string
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level  logrus.Level
	Format string // text or json
}

// findProjectRoot finds the project root directory by looking for go.mod
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up the directory tree until we find go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root directory
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// InitConfig initializes viper configuration
// env: environment name (dev, test, prod)
func InitConfig(env string) error {
	if env == "" {
		env = "dev"
	}

	// Find project root
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("failed to find project root: %w", err)
	}

	// Set config file name based on environment
	viper.SetConfigName(fmt.Sprintf(".env.%s", env))
	viper.SetConfigType("env")
	viper.AddConfigPath(projectRoot)

	// Read config file (optional, ignore error if not found)
	_ = viper.ReadInConfig()

	// Environment variables take precedence over config file
	viper.AutomaticEnv()

	setDefaults()
	return nil
}

func setDefaults() {
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 50051)
	viper.SetDefault("METRICS_PORT", 9090)

	viper.SetDefault("DB_ENABLED", true)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 15432)
	viper.SetDefault("DB_USER", "kanshi")
	viper.SetDefault("DB_NAME", "kanshi_dev")
	viper.SetDefault("DB_SSLMODE", "disable")

	viper.SetDefault("CACHE_ENABLED", true)
	viper.SetDefault("CACHE_BACKEND", CacheBackendMemory)
	viper.SetDefault("CACHE_MAX_MEMORY_BYTES", 100*1024*1024) // 100MB
	viper.SetDefault("CACHE_METRICS", true)
	viper.SetDefault("CACHE_TTL_MINUTES", 5)

	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_KEY_PREFIX", "kanshi")

	viper.SetDefault("AUDIT_LOG_ONLY_ON_CACHE_MISS", false)
	viper.SetDefault("AUDIT_PENDING_LIMIT", 10000)
	viper.SetDefault("AUDIT_RETRY_SCHEDULE", "@every 30s")

	viper.SetDefault("SYNC_SCHEDULE", "@every 1m")

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
}

// Load loads configuration from viper
func Load() (*Config, error) {
	dbEnabled := viper.GetBool("DB_ENABLED")
	if !viper.IsSet("DB_ENABLED") {
		dbEnabled = true
	}

	// DB_PASSWORD is required for security
	dbPassword := viper.GetString("DB_PASSWORD")
	if dbEnabled && dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required (set via environment variable or .env file)")
	}

	backend := strings.ToLower(viper.GetString("CACHE_BACKEND"))
	if backend == "" {
		backend = CacheBackendMemory
	}
	if backend != CacheBackendMemory && backend != CacheBackendRedis {
		return nil, fmt.Errorf("unknown CACHE_BACKEND %q (want %s or %s)", backend, CacheBackendMemory, CacheBackendRedis)
	}

	levelName := viper.GetString("LOG_LEVEL")
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	format := strings.ToLower(viper.GetString("LOG_FORMAT"))
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return nil, fmt.Errorf("unknown LOG_FORMAT %q (want text or json)", format)
	}

	config := &Config{
		Server: ServerConfig{
			Host:        viper.GetString("SERVER_HOST"),
			Port:        viper.GetInt("SERVER_PORT"),
			MetricsPort: viper.GetInt("METRICS_PORT"),
		},
		Database: DatabaseConfig{
			Enabled:  dbEnabled,
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetInt("DB_PORT"),
			User:     viper.GetString("DB_USER"),
			Password: dbPassword,
			Database: viper.GetString("DB_NAME"),
			SSLMode:  viper.GetString("DB_SSLMODE"),
		},
		Cache: CacheConfig{
			Enabled:        viper.GetBool("CACHE_ENABLED"),
			Backend:        backend,
			MaxMemoryBytes: viper.GetInt64("CACHE_MAX_MEMORY_BYTES"),
			Metrics:        viper.GetBool("CACHE_METRICS"),
			TTLMinutes:     viper.GetInt("CACHE_TTL_MINUTES"),
		},
		Redis: RedisConfig{
			Addr:      viper.GetString("REDIS_ADDR"),
			Password:  viper.GetString("REDIS_PASSWORD"),
			DB:        viper.GetInt("REDIS_DB"),
			KeyPrefix: viper.GetString("REDIS_KEY_PREFIX"),
		},
		Audit: AuditConfig{
			LogOnlyOnCacheMiss: viper.GetBool("AUDIT_LOG_ONLY_ON_CACHE_MISS"),
			PendingLimit:       viper.GetInt("AUDIT_PENDING_LIMIT"),
			RetrySchedule:      viper.GetString("AUDIT_RETRY_SCHEDULE"),
		},
		Sync: SyncConfig{
			Schedule: viper.GetString("SYNC_SCHEDULE"),
		},
		Auth: AuthConfig{
			AdminUserIDs: splitList(viper.GetString("ADMIN_USER_IDS")),
		},
		Catalog: CatalogConfig{
			ExtraResources: splitList(viper.GetString("CATALOG_EXTRA_RESOURCES")),
			ExtraActions:   splitList(viper.GetString("CATALOG_EXTRA_ACTIONS")),
		},
		Log: LogConfig{
			Level:  level,
			Format: format,
		},
	}

	if config.Cache.TTLMinutes <= 0 {
		config.Cache.TTLMinutes = 5
	}

	return config, nil
}

// splitList parses a comma-separated list, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}
