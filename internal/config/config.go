// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all archive server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (image metadata, albums, optional storage settings)
	DatabaseURL string

	// Redis (optional, shared rate-limit windows across instances)
	RedisURL string

	// TLS (optional, HTTPS when both are set)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// OIDC (optional)
	OIDCIssuerURL string
	OIDCClientID  string

	// Storage settings source: "env" reads the S3_*/R2_*/GENERIC_* variables
	// below, "db" reads the app_settings table on every request.
	StorageConfigSource string

	// S3-compatible storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Cloudflare R2
	R2AccountID string
	R2Bucket    string
	R2AccessKey string
	R2SecretKey string
	R2Endpoint  string

	// Generic fallback
	GenericBaseURL        string
	LocalStoragePath      string
	GenericMaxObjectBytes int64
	GenericFetchRPS       float64

	// Downloads
	MaxImagesPerDownload int
	FetchConcurrency     int
	FetchTimeout         time.Duration
	MaxArchiveBytes      int64

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		RedisURL:            envOr("REDIS_URL", ""),
		TLSCertFile:         envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:          envOr("TLS_KEY_FILE", ""),
		JWTSecret:           envOr("JWT_SECRET", ""),
		OIDCIssuerURL:       envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:        envOr("OIDC_CLIENT_ID", ""),
		StorageConfigSource: envOr("STORAGE_CONFIG_SOURCE", "env"),
		S3Endpoint:          envOr("S3_ENDPOINT", ""),
		S3Bucket:            envOr("S3_BUCKET", ""),
		S3AccessKey:         envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOr("S3_SECRET_KEY", ""),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		R2AccountID:         envOr("R2_ACCOUNT_ID", ""),
		R2Bucket:            envOr("R2_BUCKET", ""),
		R2AccessKey:         envOr("R2_ACCESS_KEY", ""),
		R2SecretKey:         envOr("R2_SECRET_KEY", ""),
		R2Endpoint:          envOr("R2_ENDPOINT", ""),
		GenericBaseURL:      envOr("GENERIC_BASE_URL", ""),
		LocalStoragePath:    envOr("LOCAL_STORAGE_PATH", ""),

		GenericMaxObjectBytes: envInt64("GENERIC_MAX_OBJECT_BYTES", 256*1024*1024), // 256MB
		GenericFetchRPS:       envFloat("GENERIC_FETCH_RPS", 0),                   // 0 = unpaced
		MaxImagesPerDownload:  envInt("MAX_IMAGES_PER_DOWNLOAD", 100),
		FetchConcurrency:      envInt("FETCH_CONCURRENCY", 8),
		FetchTimeout:          envDuration("FETCH_TIMEOUT", 30*time.Second),
		MaxArchiveBytes:       envInt64("MAX_ARCHIVE_BYTES", 0), // 0 = unlimited
		RateLimitRequests:     envInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:       envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageConfigSource != "env" && cfg.StorageConfigSource != "db" {
		return nil, fmt.Errorf("STORAGE_CONFIG_SOURCE must be \"env\" or \"db\", got %q", cfg.StorageConfigSource)
	}
	if cfg.MaxImagesPerDownload <= 0 {
		return nil, fmt.Errorf("MAX_IMAGES_PER_DOWNLOAD must be positive")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}

	return cfg, nil
}

// StorageSettings returns the storage variables keyed the same way as the
// app_settings table, so both configuration sources feed the registry alike.
func (c *Config) StorageSettings() map[string]string {
	return map[string]string{
		"s3_endpoint":        c.S3Endpoint,
		"s3_bucket":          c.S3Bucket,
		"s3_access_key":      c.S3AccessKey,
		"s3_secret_key":      c.S3SecretKey,
		"s3_region":          c.S3Region,
		"r2_account_id":      c.R2AccountID,
		"r2_bucket":          c.R2Bucket,
		"r2_access_key":      c.R2AccessKey,
		"r2_secret_key":      c.R2SecretKey,
		"r2_endpoint":        c.R2Endpoint,
		"generic_base_url":   c.GenericBaseURL,
		"local_storage_path": c.LocalStoragePath,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
