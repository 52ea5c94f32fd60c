package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores gateway runtime configuration.
type Config struct {
	ServerPort string
	LogLevel   string

	Stability StabilityConfig

	Upload UploadConfig

	Auth AuthConfig

	RateLimit RateLimitConfig

	CORS CORSConfig

	Readiness ReadinessConfig

	Cache CacheConfig

	S3 S3Config

	History HistoryConfig

	NATS NATSConfig

	WebSocket WebSocketConfig
}

// StabilityConfig describes the upstream image API.
type StabilityConfig struct {
	APIKey   string
	Host     string
	EngineID string
	Timeout  time.Duration

	CFGScale float64
	Steps    int
	Width    int
	Height   int
}

// UploadConfig limits inbound request bodies.
type UploadConfig struct {
	MaxBytes  int64
	MaxPixels int
}

// AuthConfig controls gateway authentication behavior.
type AuthConfig struct {
	Enabled     bool
	BearerToken string
}

// RateLimitConfig controls global and per-IP limits.
type RateLimitConfig struct {
	GlobalRPS  float64
	RPS        float64
	Burst      int
	TrustProxy bool
}

// CORSConfig lists origins allowed to call the edit endpoints from a browser.
type CORSConfig struct {
	AllowedOrigins []string
}

// ReadinessConfig controls the upstream probe behind /readyz.
type ReadinessConfig struct {
	Enabled         bool
	RefreshInterval time.Duration
}

// CacheConfig controls the redis result cache.
type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

type S3Config struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	KeyPrefix       string
	URLMode         string
	PresignedTTL    time.Duration
}

const (
	HistoryDriverNone     = ""
	HistoryDriverPostgres = "postgres"
	HistoryDriverSQLite   = "sqlite"
)

// HistoryConfig selects where job history is persisted.
type HistoryConfig struct {
	Driver     string
	SQLitePath string
	Database   DatabaseConfig
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
}

type WebSocketConfig struct {
	Enabled bool
}

// Load reads configuration from environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "5000"),
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Stability: StabilityConfig{
			APIKey:   strings.TrimSpace(getEnv("STABILITY_API_KEY", "")),
			Host:     strings.TrimRight(getEnv("API_HOST", "https://api.stability.ai"), "/"),
			EngineID: getEnv("STABILITY_ENGINE_ID", "stable-diffusion-v1-6"),
			Timeout:  getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 60*time.Second),
			CFGScale: getEnvFloat("GENERATE_CFG_SCALE", 30),
			Steps:    getEnvInt("GENERATE_STEPS", 30),
			Width:    getEnvInt("GENERATE_WIDTH", 512),
			Height:   getEnvInt("GENERATE_HEIGHT", 512),
		},
		Upload: UploadConfig{
			MaxBytes:  int64(getEnvInt("MAX_UPLOAD_MB", 10)) * 1024 * 1024,
			MaxPixels: getEnvInt("MAX_IMAGE_PIXELS", 9_437_184),
		},
		Auth: AuthConfig{
			Enabled:     getEnvBool("AUTH_ENABLED", false),
			BearerToken: getEnv("AUTH_BEARER_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:  getEnvFloat("RATE_LIMIT_GLOBAL_RPS", 20),
			RPS:        getEnvFloat("RATE_LIMIT_RPS", 2),
			Burst:      getEnvInt("RATE_LIMIT_BURST", 5),
			TrustProxy: getEnvBool("RATE_LIMIT_TRUST_PROXY", false),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		},
		Readiness: ReadinessConfig{
			Enabled:         getEnvBool("READINESS_ENABLED", true),
			RefreshInterval: getEnvDuration("READINESS_REFRESH_INTERVAL", 60*time.Second),
		},
		Cache: CacheConfig{
			Enabled:  getEnvBool("CACHE_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		S3: S3Config{
			Enabled:         getEnvBool("S3_ENABLED", false),
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE", true),
			KeyPrefix:       getEnv("S3_KEY_PREFIX", "studio"),
			URLMode:         getEnv("S3_URL_MODE", "presigned"),
			PresignedTTL:    getEnvDuration("S3_PRESIGNED_TTL", 15*time.Minute),
		},
		History: HistoryConfig{
			Driver:     strings.ToLower(getEnv("HISTORY_DRIVER", HistoryDriverNone)),
			SQLitePath: getEnv("SQLITE_PATH", "data/studio.db"),
			Database: DatabaseConfig{
				Host:            getEnv("DB_HOST", "localhost"),
				Port:            getEnv("DB_PORT", "5432"),
				User:            getEnv("DB_USER", "postgres"),
				Password:        getEnv("DB_PASSWORD", "postgres"),
				Database:        getEnv("DB_NAME", "studio"),
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_ENABLED", false),
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "studio.jobs"),
		},
		WebSocket: WebSocketConfig{
			Enabled: getEnvBool("WEBSOCKET_ENABLED", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.Enabled && c.Auth.BearerToken == "" {
		return fmt.Errorf("AUTH_ENABLED=true requires AUTH_BEARER_TOKEN")
	}

	if c.Stability.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_REQUEST_TIMEOUT must be positive")
	}
	if c.Stability.CFGScale <= 0 {
		return fmt.Errorf("GENERATE_CFG_SCALE must be positive")
	}
	if c.Stability.Steps <= 0 || c.Stability.Width <= 0 || c.Stability.Height <= 0 {
		return fmt.Errorf("GENERATE_STEPS, GENERATE_WIDTH and GENERATE_HEIGHT must be positive")
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if c.Upload.MaxPixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}

	if c.RateLimit.GlobalRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_GLOBAL_RPS must be positive")
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}

	if c.Readiness.RefreshInterval <= 0 {
		return fmt.Errorf("READINESS_REFRESH_INTERVAL must be positive")
	}

	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}

	if c.S3.Enabled {
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("S3_ENABLED=true requires S3_BUCKET")
		}
		if c.S3.URLMode != "presigned" && c.S3.URLMode != "public" {
			return fmt.Errorf("S3_URL_MODE must be presigned or public, got %q", c.S3.URLMode)
		}
	}

	switch c.History.Driver {
	case HistoryDriverNone, HistoryDriverPostgres, HistoryDriverSQLite:
	default:
		return fmt.Errorf("HISTORY_DRIVER must be postgres or sqlite, got %q", c.History.Driver)
	}

	return nil
}

// DSN builds a lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	items := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
