// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Backend variant names. The variant is resolved exactly once at startup
// and never changes for the process lifetime.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config holds all server configuration.
type Config struct {
	Host string
	Port string

	// StorageBackend selects the storage variant: "local" or "s3".
	StorageBackend string

	// Local backend
	UploadDir string

	// S3 backend
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool
	CatalogDBPath     string // SQLite catalog index used with the S3 backend

	MaxUploadSize        int64 // Maximum accepted upload size in bytes (0 = unlimited)
	PresignExpiryMinutes int   // Lifetime of presigned download URLs
	PartialExpiryHours   int   // Age after which abandoned partial uploads are swept
	PublicURL            string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                 getEnv("HOST", "0.0.0.0"),
		Port:                 getEnv("PORT", "3000"),
		StorageBackend:       getEnv("STORAGE_BACKEND", ""),
		UploadDir:            getEnv("UPLOAD_DIR", "./files"),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3Region:             getEnv("S3_REGION", getEnv("AWS_REGION", "")),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:        getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:          getEnvBool("S3_PATH_STYLE", false),
		CatalogDBPath:        getEnv("CATALOG_DB_PATH", "./catalog.db"),
		MaxUploadSize:        getEnvInt64("MAX_UPLOAD_SIZE", 1073741824), // 1GB default
		PresignExpiryMinutes: getEnvInt("PRESIGN_EXPIRY_MINUTES", 60),
		PartialExpiryHours:   getEnvInt("PARTIAL_EXPIRY_HOURS", 24),
		PublicURL:            getEnv("PUBLIC_URL", ""),
	}

	// Backend selection mirrors the deployment shapes: S3 when a bucket
	// and region are configured, local otherwise.
	if cfg.StorageBackend == "" {
		if cfg.S3Bucket != "" && cfg.S3Region != "" {
			cfg.StorageBackend = BackendS3
		} else {
			cfg.StorageBackend = BackendLocal
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// validate ensures configuration values are sensible.
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	switch c.StorageBackend {
	case BackendLocal:
		if c.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR cannot be empty for the local backend")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
		if c.S3Region == "" && c.S3Endpoint == "" {
			return fmt.Errorf("S3_REGION or S3_ENDPOINT is required for the s3 backend")
		}
		if c.CatalogDBPath == "" {
			return fmt.Errorf("CATALOG_DB_PATH cannot be empty for the s3 backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q",
			BackendLocal, BackendS3, c.StorageBackend)
	}

	if c.MaxUploadSize < 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be 0 (unlimited) or positive, got %d", c.MaxUploadSize)
	}
	if c.PresignExpiryMinutes <= 0 {
		return fmt.Errorf("PRESIGN_EXPIRY_MINUTES must be positive, got %d", c.PresignExpiryMinutes)
	}
	if c.PartialExpiryHours <= 0 {
		return fmt.Errorf("PARTIAL_EXPIRY_HOURS must be positive, got %d", c.PartialExpiryHours)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an int64 environment variable or returns a default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
