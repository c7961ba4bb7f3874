package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the collaboration engine.
type Config struct {
	App      AppConfig
	Logger   LoggerConfig
	Remote   RemoteConfig
	Engine   EngineConfig
	Redis    RedisConfig
	Postgres PostgresConfig
}

// AppConfig controls the HTTP facade.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	AuthSecret            string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// RemoteConfig points the mutation client at the ticket service.
type RemoteConfig struct {
	BaseURL            string
	TimeoutSeconds     int
	ServiceTokenSecret string
	ServiceTokenTTLMin int
	ServiceSubject     string
}

// Fetch modes for list and detail reads.
const (
	FetchModeHTTP     = "http"
	FetchModePostgres = "postgres"
)

// BulkMode selects how bulk actions reach the remote service.
const (
	BulkModePerItem = "per_item"
	BulkModeBatched = "batched"
)

// EngineConfig tunes reconciliation behavior.
type EngineConfig struct {
	DebounceMillis         int
	BulkConcurrency        int
	BulkMode               string
	FetchMode              string
	DetailFetchMaxAttempts int
	DetailFetchBaseMillis  int
	DetailFetchMaxMillis   int
}

// RedisConfig holds the push-event transport connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// PostgresConfig holds read-model connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-collab"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			AuthSecret:            os.Getenv("APP_AUTH_SECRET"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Remote: RemoteConfig{
			BaseURL:            getEnv("REMOTE_BASE_URL", "http://127.0.0.1:9090"),
			TimeoutSeconds:     getEnvAsInt("REMOTE_TIMEOUT_SECONDS", 10),
			ServiceTokenSecret: getEnv("REMOTE_SERVICE_TOKEN_SECRET", "dev-secret"),
			ServiceTokenTTLMin: getEnvAsInt("REMOTE_SERVICE_TOKEN_TTL_MINUTES", 15),
			ServiceSubject:     getEnv("REMOTE_SERVICE_SUBJECT", "ticket-collab"),
		},
		Engine: EngineConfig{
			DebounceMillis:         getEnvAsInt("ENGINE_DEBOUNCE_MS", 300),
			BulkConcurrency:        getEnvAsInt("ENGINE_BULK_CONCURRENCY", 8),
			BulkMode:               strings.ToLower(getEnv("ENGINE_BULK_MODE", BulkModePerItem)),
			FetchMode:              strings.ToLower(getEnv("ENGINE_FETCH_MODE", FetchModeHTTP)),
			DetailFetchMaxAttempts: getEnvAsInt("ENGINE_DETAIL_FETCH_MAX_ATTEMPTS", 3),
			DetailFetchBaseMillis:  getEnvAsInt("ENGINE_DETAIL_FETCH_BASE_MS", 100),
			DetailFetchMaxMillis:   getEnvAsInt("ENGINE_DETAIL_FETCH_MAX_MS", 2000),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
			Channel:  getEnv("REDIS_EVENT_CHANNEL", "tickets.events"),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.FetchMode {
	case FetchModeHTTP:
	case FetchModePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("ENGINE_FETCH_MODE=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid ENGINE_FETCH_MODE %q", c.Engine.FetchMode)
	}
	switch c.Engine.BulkMode {
	case BulkModePerItem, BulkModeBatched:
	default:
		return fmt.Errorf("invalid ENGINE_BULK_MODE %q", c.Engine.BulkMode)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the per-call remote timeout.
func (r RemoteConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// DebounceWindow returns the refresh coalescing window.
func (e EngineConfig) DebounceWindow() time.Duration {
	if e.DebounceMillis <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(e.DebounceMillis) * time.Millisecond
}

// DetailFetchBackoff returns the initial and max retry intervals.
func (e EngineConfig) DetailFetchBackoff() (time.Duration, time.Duration) {
	base := time.Duration(e.DetailFetchBaseMillis) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxInterval := time.Duration(e.DetailFetchMaxMillis) * time.Millisecond
	if maxInterval < base {
		maxInterval = base
	}
	return base, maxInterval
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
