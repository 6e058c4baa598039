package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/bytesize"
	"github.com/filevault/filevault/pkg/portal/api"
	"github.com/filevault/filevault/pkg/portal/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyMetricsDefaults(&cfg.Metrics)
	applyAPIDefaults(&cfg.API)
	applyStorageDefaults(&cfg.Storage)
	applyUploadDefaults(&cfg.Upload, cfg.Storage.Mode)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDatabaseDefaults sets portal database defaults.
func applyDatabaseDefaults(cfg *store.Config) {
	cfg.ApplyDefaults()
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyAPIDefaults sets API server defaults.
// The API is always enabled; it is the only way to reach the service.
func applyAPIDefaults(cfg *api.APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.JWT.AccessTokenDuration == 0 {
		cfg.JWT.AccessTokenDuration = 15 * time.Minute
	}
	if cfg.JWT.RefreshTokenDuration == 0 {
		cfg.JWT.RefreshTokenDuration = 7 * 24 * time.Hour
	}
}

// applyStorageDefaults sets storage backend defaults.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Mode == "" {
		cfg.Mode = StorageModeLocal
	}
	if cfg.Mode == StorageModeLocal && cfg.Local.Path == "" {
		cfg.Local.Path = filepath.Join(getDataDir(), "objects")
	}
	if cfg.Mode == StorageModeS3 && cfg.S3.SignedURLTTL == 0 {
		cfg.S3.SignedURLTTL = time.Hour
	}
}

// applyUploadDefaults sets upload engine defaults. S3 deployments get a
// minimum chunk size matching the multipart part minimum.
func applyUploadDefaults(cfg *UploadConfig, storageMode string) {
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(getDataDir(), "ledger")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MinChunkSize == 0 {
		if storageMode == StorageModeS3 {
			cfg.MinChunkSize = 5 * bytesize.MiB
		} else {
			cfg.MinChunkSize = 1 * bytesize.MiB
		}
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = 64 * bytesize.MiB
	}
	if cfg.MaxChunks == 0 {
		cfg.MaxChunks = 10000
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 5 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = time.Hour
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: store.Config{
			Type: store.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
		Storage: StorageConfig{
			Mode: StorageModeLocal,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
