package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	BackendNull   = "null"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TLSListenAddr   string        `yaml:"tls_listen_addr"`
	UpstreamURL     string        `yaml:"upstream_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ProjectRoot is the directory resource references are resolved against.
	ProjectRoot string `yaml:"project_root"`

	// OSCacheDir is purged on force clear. Empty disables the purge.
	OSCacheDir string `yaml:"os_cache_dir"`

	FilterPriority int  `yaml:"filter_priority"`
	Instrument     bool `yaml:"instrument"`

	CacheBackend    string        `yaml:"cache_backend"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	PurgeInterval   time.Duration `yaml:"purge_interval"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	SQLitePath string `yaml:"sqlite_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Prefix    string `yaml:"s3_prefix"`

	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresDatabase string `yaml:"postgres_database"`
	PostgresSSLMode  string `yaml:"postgres_ssl_mode"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:       ":8080",
		UpstreamURL:      "http://localhost:8090/",
		UpstreamTimeout:  time.Minute,
		LogLevel:         "info",
		LogFormat:        "text",
		ProjectRoot:      "/",
		FilterPriority:   200,
		Instrument:       true,
		CacheBackend:     BackendNull,
		PurgeInterval:    30 * time.Minute,
		BreakerFailures:  5,
		BreakerTimeout:   30 * time.Second,
		SQLitePath:       "cache.db",
		RedisAddr:        "localhost:6379",
		RedisPrefix:      "wms-filters:",
		S3Bucket:         "map-cache",
		S3Region:         "us-east-1",
		RateLimit:        10,
		RateLimitWindow:  time.Minute,
		PostgresUser:     "wms",
		PostgresPort:     "5432",
		PostgresDatabase: "wms_filters",
		PostgresSSLMode:  "disable",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and the environment, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.TLSListenAddr = getEnv("TLS_LISTEN_ADDR", cfg.TLSListenAddr)
	cfg.UpstreamURL = getEnv("UPSTREAM_URL", cfg.UpstreamURL)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.ProjectRoot = getEnv("PROJECT_ROOT", cfg.ProjectRoot)
	cfg.OSCacheDir = getEnv("OS_CACHE_DIR", cfg.OSCacheDir)
	cfg.FilterPriority = getEnvInt("FILTER_PRIORITY", cfg.FilterPriority)
	cfg.Instrument = getEnvBool("INSTRUMENT", cfg.Instrument)
	cfg.CacheBackend = strings.ToLower(getEnv("CACHE_BACKEND", cfg.CacheBackend))
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.PurgeInterval = getEnvDuration("PURGE_INTERVAL", cfg.PurgeInterval)
	cfg.BreakerFailures = getEnvInt("BREAKER_FAILURES", cfg.BreakerFailures)
	cfg.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", cfg.BreakerTimeout)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getEnv("AWS_REGION", cfg.S3Region)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getEnv("AWS_ACCESS_KEY_ID", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("AWS_SECRET_ACCESS_KEY", cfg.S3SecretKey)
	cfg.S3Prefix = getEnv("S3_PREFIX", cfg.S3Prefix)
	cfg.RateLimit = getEnvInt("RATE_LIMIT", cfg.RateLimit)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.PostgresUser = getEnv("POSTGRES_USER", cfg.PostgresUser)
	cfg.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.PostgresPassword)
	cfg.PostgresHost = getEnv("POSTGRES_HOST", cfg.PostgresHost)
	cfg.PostgresPort = getEnv("POSTGRES_PORT", cfg.PostgresPort)
	cfg.PostgresDatabase = getEnv("POSTGRES_DATABASE", cfg.PostgresDatabase)
	cfg.PostgresSSLMode = getEnv("POSTGRES_SSL_MODE", cfg.PostgresSSLMode)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream url %q", c.UpstreamURL)
	}

	switch c.CacheBackend {
	case BackendNull, BackendMemory, BackendSQLite, BackendRedis:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("s3 cache backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}

	if c.RateLimit <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// DatabaseEnabled reports whether access logs are written to postgres.
func (c *Config) DatabaseEnabled() bool {
	return c.PostgresHost != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
