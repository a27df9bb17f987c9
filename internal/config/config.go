package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Provider identifies which Redis backend the process talks to.
type Provider string

const (
	// ProviderUpstash is the hosted REST-based backend. Stateless per call,
	// no connection lifecycle; suited to serverless hosting.
	ProviderUpstash Provider = "upstash"
	// ProviderRedis is a traditional connection-based Redis server.
	ProviderRedis Provider = "redis"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig
	Redis     RedisConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Log       LogConfig
	Ops       OpsConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name string
	Env  string
}

// UpstashConfig holds credentials for the hosted REST provider.
type UpstashConfig struct {
	RestURL   string
	RestToken string
	Telemetry bool
}

// RedisConfig holds backend selection and connection configuration.
type RedisConfig struct {
	Provider Provider
	Upstash  UpstashConfig

	// Connection-based provider settings. URL, when set, overrides the
	// discrete host fields.
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	RetryDelay     time.Duration
	MaxRetries     int
	LazyConnect    bool
	KeepAlive      time.Duration
	Family         int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// KeyPrefix namespaces every key this process writes.
	KeyPrefix       string
	MaxMemoryPolicy string
}

// CacheConfig holds cache service configuration.
type CacheConfig struct {
	DefaultTTL time.Duration

	// CompressMinBytes is the envelope size above which compression kicks in
	// when a write opts into it.
	CompressMinBytes int
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Enabled   bool
	Window    time.Duration
	Max       int
	Prefix    string
	Analytics bool

	// PolicyFile optionally points to a YAML file with additional named
	// policies, loaded at startup.
	PolicyFile string
}

// SessionConfig holds session manager configuration.
type SessionConfig struct {
	Prefix          string
	TTL             time.Duration
	MaxSessions     int
	RefreshTTL      time.Duration
	RefreshGraceTTL time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// OpsConfig holds the operational HTTP surface configuration.
type OpsConfig struct {
	Addr              string
	MonitoringEnabled bool
}

// Load loads configuration from environment variables.
// In production a selected Upstash provider with missing credentials is a
// startup failure; in development the error is reported by the caller and the
// process can fall back to a local Redis.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: getEnv("APP_NAME", "marketprimer"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Redis: RedisConfig{
			Upstash: UpstashConfig{
				RestURL:   getEnv("UPSTASH_REDIS_REST_URL", ""),
				RestToken: getEnv("UPSTASH_REDIS_REST_TOKEN", ""),
				Telemetry: getEnvBool("UPSTASH_REDIS_TELEMETRY", false),
			},
			URL:             getEnv("REDIS_URL", ""),
			Host:            getEnv("REDIS_HOST", "localhost"),
			Port:            getEnvInt("REDIS_PORT", 6379),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			RetryDelay:      getEnvDuration("REDIS_RETRY_DELAY", 100*time.Millisecond),
			MaxRetries:      getEnvInt("REDIS_MAX_RETRIES", 3),
			LazyConnect:     getEnvBool("REDIS_LAZY_CONNECT", true),
			KeepAlive:       getEnvDuration("REDIS_KEEP_ALIVE", 30*time.Second),
			Family:          getEnvInt("REDIS_FAMILY", 4),
			ConnectTimeout:  getEnvDuration("REDIS_CONNECT_TIMEOUT", 10*time.Second),
			CommandTimeout:  getEnvDuration("REDIS_COMMAND_TIMEOUT", 5*time.Second),
			KeyPrefix:       getEnv("REDIS_KEY_PREFIX", "blog:"),
			MaxMemoryPolicy: getEnv("REDIS_MAX_MEMORY_POLICY", "allkeys-lru"),
		},
		Cache: CacheConfig{
			DefaultTTL:       getEnvDuration("REDIS_DEFAULT_TTL", time.Hour),
			CompressMinBytes: getEnvInt("REDIS_COMPRESS_MIN_BYTES", 1<<10),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getEnvBool("REDIS_RATE_LIMIT_ENABLED", true),
			Window:     getEnvDuration("REDIS_RATE_LIMIT_WINDOW", time.Minute),
			Max:        getEnvInt("REDIS_RATE_LIMIT_MAX", 100),
			Prefix:     getEnv("REDIS_RATE_LIMIT_PREFIX", "ratelimit:"),
			Analytics:  getEnvBool("REDIS_RATE_LIMIT_ANALYTICS", false),
			PolicyFile: getEnv("RATE_LIMIT_POLICY_FILE", ""),
		},
		Session: SessionConfig{
			Prefix:          getEnv("REDIS_SESSION_PREFIX", "session:"),
			TTL:             getEnvDuration("REDIS_SESSION_TTL", 24*time.Hour),
			MaxSessions:     getEnvInt("REDIS_SESSION_MAX_PER_USER", 10),
			RefreshTTL:      getEnvDuration("REDIS_SESSION_REFRESH_TTL", 7*24*time.Hour),
			RefreshGraceTTL: getEnvDuration("REDIS_SESSION_REFRESH_GRACE_TTL", time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("REDIS_LOG_LEVEL", getEnv("LOG_LEVEL", "info")),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Ops: OpsConfig{
			Addr:              getEnv("OPS_ADDR", ":8090"),
			MonitoringEnabled: getEnvBool("REDIS_MONITORING_ENABLED", true),
		},
	}

	cfg.Redis.Provider = selectProvider(&cfg.Redis)

	if cfg.Redis.URL != "" {
		if err := applyRedisURL(&cfg.Redis); err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// selectProvider picks the backend from which credentials are present.
// Hosted-REST credentials win when both are set; an explicit connection URL or
// host falls back to the connection-based provider; serverless hosting signals
// default to the hosted provider.
func selectProvider(rc *RedisConfig) Provider {
	if rc.Upstash.RestURL != "" && rc.Upstash.RestToken != "" {
		return ProviderUpstash
	}
	if rc.URL != "" || os.Getenv("REDIS_HOST") != "" {
		return ProviderRedis
	}
	if os.Getenv("VERCEL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return ProviderUpstash
	}
	return ProviderRedis
}

// applyRedisURL overrides discrete host fields from a redis:// or rediss:// URL.
func applyRedisURL(rc *RedisConfig) error {
	u, err := url.Parse(rc.URL)
	if err != nil {
		return err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if h := u.Hostname(); h != "" {
		rc.Host = h
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port %q", p)
		}
		rc.Port = port
	}
	if pw, ok := u.User.Password(); ok {
		rc.Password = pw
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid database %q", db)
		}
		rc.DB = n
	}
	return nil
}

// Validate checks the configuration for consistency.
// Production gets the strict treatment; development only catches outright
// contradictions.
func (c *Config) Validate() error {
	if c.Redis.Provider == ProviderUpstash {
		if c.Redis.Upstash.RestURL == "" || c.Redis.Upstash.RestToken == "" {
			return fmt.Errorf("upstash provider selected but UPSTASH_REDIS_REST_URL or UPSTASH_REDIS_REST_TOKEN is missing")
		}
		if !strings.HasPrefix(c.Redis.Upstash.RestURL, "https://") && c.IsProduction() {
			return fmt.Errorf("UPSTASH_REDIS_REST_URL must use HTTPS in production")
		}
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("REDIS_DEFAULT_TTL must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("REDIS_SESSION_TTL must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0 {
		return fmt.Errorf("rate limit window and max must be positive")
	}

	if c.IsProduction() {
		return c.validateProduction()
	}
	return nil
}

func (c *Config) validateProduction() error {
	if !c.RateLimit.Enabled {
		return fmt.Errorf("rate limiting must be enabled in production")
	}
	if c.Log.Level == "debug" {
		return fmt.Errorf("log level should not be 'debug' in production")
	}
	if c.Redis.Provider == ProviderRedis && c.Redis.Password == "" && c.Redis.URL == "" {
		return fmt.Errorf("redis password must be set in production")
	}
	return nil
}

// Addr returns the Redis address for the connection-based provider.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if the application is in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings; bare integers are read as
// seconds since several deployments set TTLs that way.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
