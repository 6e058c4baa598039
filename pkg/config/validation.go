package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors beyond what struct tags can
// express. It should be called after ApplyDefaults.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %q: failed %q constraint", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	switch cfg.Storage.Mode {
	case StorageModeLocal:
		if cfg.Storage.Local.Path == "" {
			return fmt.Errorf("storage.local.path is required for local storage")
		}
	case StorageModeS3:
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 storage")
		}
		if cfg.Storage.S3.Region == "" && cfg.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3 requires a region or a custom endpoint")
		}
	}

	if cfg.Upload.MinChunkSize > cfg.Upload.MaxChunkSize {
		return fmt.Errorf("upload.min_chunk_size (%s) exceeds upload.max_chunk_size (%s)",
			cfg.Upload.MinChunkSize, cfg.Upload.MaxChunkSize)
	}
	if cfg.Upload.MaxChunks <= 0 {
		return fmt.Errorf("upload.max_chunks must be positive")
	}
	if cfg.Upload.LedgerPath == "" {
		return fmt.Errorf("upload.ledger_path is required")
	}

	return nil
}
