package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the shoptraffic service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Tracking   TrackingConfig
	Reporting  ReportingConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled     bool
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	MaxConns    int
	MinConns    int
	AutoMigrate bool
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// RedisConfig configures the shared dedup backend.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces every key the service writes.
	KeyPrefix   string
	DialTimeout time.Duration
	// OpTimeout bounds a single command; past it dedup uses the local cache.
	OpTimeout time.Duration
}

// ClickHouseConfig configures the analytics export mirror.
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	User          string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled   bool
	RPS       float64
	Burst     int
	PerIPRPS  float64
	PerIPBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures country lookup for log entries.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// Dedup backends.
const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
)

// TrackingConfig controls click intake.
type TrackingConfig struct {
	// MechanicDedupWindow is how long a (mechanic, address) pair stays admitted.
	MechanicDedupWindow time.Duration
	DedupCapacity       int
	DedupBackend        string
	// StoreTimeout bounds the counter+log transaction.
	StoreTimeout     time.Duration
	ExtraBotPatterns []string
	CodeLength       int
	CodeAttempts     int
}

// ReportingConfig controls aggregation defaults.
type ReportingConfig struct {
	Timezone      string
	DailyCap      int
	DefaultLimit  int
	MaxLimit      int
	DefaultDays   int
	DefaultMonths int
}

// Location resolves the reporting timezone. The zone name is also sent to
// Postgres, so the host zone ("Local", or an empty name) is refused.
func (r ReportingConfig) Location() (*time.Location, error) {
	if r.Timezone == "" || r.Timezone == "Local" {
		return nil, fmt.Errorf("an IANA zone name is required")
	}
	return time.LoadLocation(r.Timezone)
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SHOPTRAFFIC_HTTP_ADDR", ":8080"),
			Env:             getEnv("SHOPTRAFFIC_ENV", "development"),
			ShutdownTimeout: getDurationEnv("SHOPTRAFFIC_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:     getBoolEnv("SHOPTRAFFIC_DB_ENABLED", true),
			Host:        getEnv("SHOPTRAFFIC_DB_HOST", "localhost"),
			Port:        getIntEnv("SHOPTRAFFIC_DB_PORT", 5432),
			User:        getEnv("SHOPTRAFFIC_DB_USER", "shoptraffic"),
			Password:    getEnv("SHOPTRAFFIC_DB_PASSWORD", "shoptraffic_secret"),
			DBName:      getEnv("SHOPTRAFFIC_DB_NAME", "shoptraffic"),
			SSLMode:     getEnv("SHOPTRAFFIC_DB_SSLMODE", "disable"),
			MaxConns:    getIntEnv("SHOPTRAFFIC_DB_MAX_CONNS", 25),
			MinConns:    getIntEnv("SHOPTRAFFIC_DB_MIN_CONNS", 5),
			AutoMigrate: getBoolEnv("SHOPTRAFFIC_DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("SHOPTRAFFIC_REDIS_ENABLED", false),
			Addr:     getEnv("SHOPTRAFFIC_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SHOPTRAFFIC_REDIS_PASSWORD", ""),
			DB:       getIntEnv("SHOPTRAFFIC_REDIS_DB", 0),
			PoolSize: getIntEnv("SHOPTRAFFIC_REDIS_POOL_SIZE", 50),

			KeyPrefix:   getEnv("SHOPTRAFFIC_REDIS_KEY_PREFIX", "shoptraffic:"),
			DialTimeout: getDurationEnv("SHOPTRAFFIC_REDIS_DIAL_TIMEOUT", 2*time.Second),
			OpTimeout:   getDurationEnv("SHOPTRAFFIC_REDIS_OP_TIMEOUT", 100*time.Millisecond),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       getBoolEnv("SHOPTRAFFIC_CLICKHOUSE_ENABLED", false),
			Addr:          getEnv("SHOPTRAFFIC_CLICKHOUSE_ADDR", "localhost:9000"),
			Database:      getEnv("SHOPTRAFFIC_CLICKHOUSE_DB", "shoptraffic"),
			User:          getEnv("SHOPTRAFFIC_CLICKHOUSE_USER", "default"),
			Password:      getEnv("SHOPTRAFFIC_CLICKHOUSE_PASSWORD", ""),
			BatchSize:     getIntEnv("SHOPTRAFFIC_CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDurationEnv("SHOPTRAFFIC_CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
			BufferSize:    getIntEnv("SHOPTRAFFIC_CLICKHOUSE_BUFFER", 10000),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("SHOPTRAFFIC_AUTH_ENABLED", true),
			MasterKey: getEnv("SHOPTRAFFIC_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("SHOPTRAFFIC_AUTH_SKIP_PATHS", []string{
				"/health", "/metrics", "/analytics/pageview", "/mechanics/", "/tracking-links/click", "/r/",
			}),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getBoolEnv("SHOPTRAFFIC_RATE_LIMIT_ENABLED", true),
			RPS:        getFloatEnv("SHOPTRAFFIC_RATE_LIMIT_RPS", 500),
			Burst:      getIntEnv("SHOPTRAFFIC_RATE_LIMIT_BURST", 100),
			PerIPRPS:   getFloatEnv("SHOPTRAFFIC_RATE_LIMIT_IP_RPS", 10),
			PerIPBurst: getIntEnv("SHOPTRAFFIC_RATE_LIMIT_IP_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("SHOPTRAFFIC_LOG_LEVEL", "info"),
			Format: getEnv("SHOPTRAFFIC_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("SHOPTRAFFIC_METRICS_ENABLED", true),
			Path:    getEnv("SHOPTRAFFIC_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("SHOPTRAFFIC_GEO_ENABLED", false),
			DatabasePath: getEnv("SHOPTRAFFIC_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
		},
		Tracking: TrackingConfig{
			MechanicDedupWindow: getDurationEnv("SHOPTRAFFIC_MECHANIC_DEDUP_WINDOW", 10*time.Second),
			DedupCapacity:       getIntEnv("SHOPTRAFFIC_DEDUP_CAPACITY", 1000),
			DedupBackend:        getEnv("SHOPTRAFFIC_DEDUP_BACKEND", DedupBackendMemory),
			StoreTimeout:        getDurationEnv("SHOPTRAFFIC_STORE_TIMEOUT", 5*time.Second),
			ExtraBotPatterns:    getSliceEnv("SHOPTRAFFIC_EXTRA_BOT_PATTERNS", nil),
			CodeLength:          getIntEnv("SHOPTRAFFIC_CODE_LENGTH", 6),
			CodeAttempts:        getIntEnv("SHOPTRAFFIC_CODE_ATTEMPTS", 10),
		},
		Reporting: ReportingConfig{
			Timezone:      getEnv("SHOPTRAFFIC_REPORT_TZ", "Asia/Seoul"),
			DailyCap:      getIntEnv("SHOPTRAFFIC_REPORT_DAILY_CAP", 30),
			DefaultLimit:  getIntEnv("SHOPTRAFFIC_REPORT_DEFAULT_LIMIT", 5),
			MaxLimit:      getIntEnv("SHOPTRAFFIC_REPORT_MAX_LIMIT", 100),
			DefaultDays:   getIntEnv("SHOPTRAFFIC_REPORT_DEFAULT_DAYS", 7),
			DefaultMonths: getIntEnv("SHOPTRAFFIC_REPORT_DEFAULT_MONTHS", 12),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("SHOPTRAFFIC_API_KEY_MASTER is required when auth is enabled")
	}
	switch c.Tracking.DedupBackend {
	case DedupBackendMemory:
	case DedupBackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("dedup backend %q requires SHOPTRAFFIC_REDIS_ENABLED", DedupBackendRedis)
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Tracking.DedupBackend)
	}
	if c.Redis.Enabled && c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis op timeout must be positive, got %s", c.Redis.OpTimeout)
	}
	if c.Tracking.MechanicDedupWindow <= 0 {
		return fmt.Errorf("mechanic dedup window must be positive, got %s", c.Tracking.MechanicDedupWindow)
	}
	if c.Tracking.DedupCapacity <= 0 {
		return fmt.Errorf("dedup capacity must be positive, got %d", c.Tracking.DedupCapacity)
	}
	if c.Tracking.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.Tracking.StoreTimeout)
	}
	if c.Tracking.CodeLength <= 0 || c.Tracking.CodeAttempts <= 0 {
		return fmt.Errorf("code length and attempts must be positive")
	}
	if c.Reporting.DailyCap <= 0 {
		return fmt.Errorf("daily bucket cap must be positive, got %d", c.Reporting.DailyCap)
	}
	if c.Reporting.DefaultLimit <= 0 || c.Reporting.MaxLimit < c.Reporting.DefaultLimit {
		return fmt.Errorf("invalid report limits: default=%d max=%d", c.Reporting.DefaultLimit, c.Reporting.MaxLimit)
	}
	if _, err := c.Reporting.Location(); err != nil {
		return fmt.Errorf("invalid reporting timezone %q: %w", c.Reporting.Timezone, err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
