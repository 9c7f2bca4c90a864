// Package config loads application configuration from environment variables,
// with optional .env support for local development. Missing required values
// are collected and reported together so a misconfigured deployment fails
// fast with a complete list instead of one variable at a time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Addr        string
	Development bool
}

type DatabaseConfig struct {
	URL string
}

type AuthConfig struct {
	TokenSecret   string
	TokenValidity time.Duration
	// MinLoginTime pads every login response to at least this duration so
	// response latency does not reveal whether the username exists.
	MinLoginTime time.Duration
}

type StorageConfig struct {
	UploadDir   string
	MaxFileSize int64
	BaseURL     string
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string

	cfg := &Config{
		Server: ServerConfig{
			Addr:        optionalEnv("SERVER_ADDR", ":8080"),
			Development: optionalEnv("APP_ENV", "production") == "development",
		},
		Database: DatabaseConfig{
			URL: requiredEnv("DATABASE_URL", &missing),
		},
		Auth: AuthConfig{
			TokenSecret:   requiredEnv("AUTH_SECRET", &missing),
			TokenValidity: optionalDuration("AUTH_TOKEN_VALIDITY", 7*24*time.Hour),
			MinLoginTime:  optionalDuration("AUTH_MIN_LOGIN_TIME", 100*time.Millisecond),
		},
		Storage: StorageConfig{
			UploadDir:   optionalEnv("UPLOAD_DIR", "./uploads"),
			MaxFileSize: optionalInt64("MAX_FILE_SIZE", 50*1024*1024),
			BaseURL:     optionalEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		RateLimit: RateLimitConfig{
			Window:      optionalDuration("RATE_LIMIT_WINDOW", time.Minute),
			MaxRequests: optionalInt("RATE_LIMIT_MAX_REQUESTS", 100),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

func requiredEnv(key string, missing *[]string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		*missing = append(*missing, key)
		return ""
	}
	return value
}

func optionalEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func optionalInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func optionalInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func optionalDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
