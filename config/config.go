package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Cloud   CloudConfig
	Archive ArchiveConfig
	Paging  PagingConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	Host      string `envconfig:"HOST" default:"0.0.0.0"`
	WriteMode bool   `envconfig:"WRITE_MODE" default:"true"`
}

// StorageConfig holds the locations of the database, the outbox and the
// disk tiers.
type StorageConfig struct {
	DataDir      string `envconfig:"DATA_DIR" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"data/drive.db"`
	QueuePath    string `envconfig:"QUEUE_PATH" default:"data/outbox.db"`
	LocalDir     string `envconfig:"LOCAL_DIR" default:"data/local"`
	PublicDir    string `envconfig:"PUBLIC_DIR" default:"data/public"`
	PublicURL    string `envconfig:"PUBLIC_URL" default:"http://localhost:8080/public"`
	UploadsDir   string `envconfig:"UPLOADS_DIR" default:"data/uploads"`
}

// CloudConfig holds the S3 compatible cloud tier settings.
type CloudConfig struct {
	Enabled   bool   `envconfig:"CLOUD_ENABLED" default:"false"`
	Endpoint  string `envconfig:"CLOUD_ENDPOINT"`
	AccessKey string `envconfig:"CLOUD_ACCESS_KEY"`
	SecretKey string `envconfig:"CLOUD_SECRET_KEY"`
	Bucket    string `envconfig:"CLOUD_BUCKET" default:"files"`
	UseSSL    bool   `envconfig:"CLOUD_USE_SSL" default:"false"`
}

// ArchiveConfig controls zip building and cleanup of public artifacts.
type ArchiveConfig struct {
	AsyncBytes    int64         `envconfig:"ARCHIVE_ASYNC_BYTES" default:"67108864"`
	ArtifactTTL   time.Duration `envconfig:"ARTIFACT_TTL" default:"24h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

type PagingConfig struct {
	PageSize int `envconfig:"PAGE_SIZE" default:"10"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			Host:      "0.0.0.0",
			WriteMode: true,
		},
		Storage: StorageConfig{
			DataDir:      "./data",
			DatabasePath: "data/drive.db",
			QueuePath:    "data/outbox.db",
			LocalDir:     "data/local",
			PublicDir:    "data/public",
			PublicURL:    "http://localhost:8080/public",
			UploadsDir:   "data/uploads",
		},
		Cloud: CloudConfig{
			Bucket: "files",
		},
		Archive: ArchiveConfig{
			AsyncBytes:    64 << 20,
			ArtifactTTL:   24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Paging: PagingConfig{
			PageSize: 10,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Paging.PageSize < 1 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.Paging.PageSize)
	}
	if c.Archive.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.Cloud.Enabled && (c.Cloud.Endpoint == "" || c.Cloud.Bucket == "") {
		return errors.New("CLOUD_ENDPOINT and CLOUD_BUCKET are required when CLOUD_ENABLED is set")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
