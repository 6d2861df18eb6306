package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite3"
	BackendBolt     = "bolt"
)

type Config struct {
	HTTP    HTTPConfig    `envconfig:"HTTP"`
	Store   StoreConfig   `envconfig:"STORE"`
	Uploads UploadsConfig `envconfig:"UPLOAD"`
	S3      S3Config      `envconfig:"S3"`

	DatabaseURL   string `envconfig:"DATABASE_URL"`
	DBAutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	BoltPath      string `envconfig:"BOLT_PATH" default:"./data/users.bolt"`
	AuditLogFile  string `envconfig:"AUDIT_LOG_FILE" default:"./data/audit.log"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	AWSRegion          string `envconfig:"AWS_REGION"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	RateLimitRPS    float64       `envconfig:"RATE_LIMIT_RPS" default:"0"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

type StoreConfig struct {
	Backend   string `envconfig:"BACKEND" default:"memory"`
	StateFile string `envconfig:"STATE_FILE"`
}

type UploadsConfig struct {
	Dir      string `envconfig:"DIR" default:"./uploads"`
	MaxBytes int64  `envconfig:"MAX_BYTES" default:"5242880"`
}

type S3Config struct {
	BucketName     string `envconfig:"BUCKET_NAME"`
	Endpoint       string `envconfig:"ENDPOINT"`
	ForcePathStyle bool   `envconfig:"FORCE_PATH_STYLE" default:"false"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_RPS must be >= 0")
	}
	if c.HTTP.RateLimitRPS > 0 && c.HTTP.RateLimitBurst <= 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_BURST must be > 0 when rate limiting is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres, BackendSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must not be empty for STORE_BACKEND=%s", c.Store.Backend)
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH must not be empty for STORE_BACKEND=bolt")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, sqlite3, bolt; got %q", c.Store.Backend)
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.S3.BucketName != "" && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION must not be empty when S3_BUCKET_NAME is set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// SQLDriver returns the database/sql driver for SQL backends and false
// otherwise.
func (c Config) SQLDriver() (string, bool) {
	switch c.Store.Backend {
	case BackendPostgres, BackendSQLite:
		return c.Store.Backend, true
	}
	return "", false
}
