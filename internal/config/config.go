// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	JWTSecret   string

	SessionTTL       time.Duration
	ProvisionTimeout time.Duration
	CommandTimeout   time.Duration

	SandboxImage     string
	MemoryLimitBytes int64
	CPUQuota         int64
	PidsLimit        int64

	Storage StorageConfig
}

// StorageConfig holds durable object-store settings. An empty bucket means
// no object store is configured and the server falls back to in-process
// storage (development only).
type StorageConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/codehaven.db"),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		SessionTTL:       getEnvDuration("SESSION_TTL", 60*time.Minute),
		ProvisionTimeout: getEnvDuration("PROVISION_TIMEOUT", 60*time.Second),
		CommandTimeout:   getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),

		SandboxImage:     getEnv("SANDBOX_IMAGE", "codehaven-sandbox:latest"),
		MemoryLimitBytes: int64(getEnvInt("MEMORY_LIMIT_MB", 512)) * 1024 * 1024,
		CPUQuota:         int64(getEnvInt("CPU_QUOTA", 50000)),
		PidsLimit:        int64(getEnvInt("PIDS_LIMIT", 256)),

		Storage: StorageConfig{
			Bucket:    getEnv("STORAGE_BUCKET", ""),
			Region:    getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
			AccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.ProvisionTimeout <= 0 {
		return fmt.Errorf("PROVISION_TIMEOUT must be > 0")
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET must be set outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// HasObjectStore returns true when a durable object store is configured.
func (c *Config) HasObjectStore() bool {
	return c.Storage.Bucket != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
