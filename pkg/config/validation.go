package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct-level rules (required fields, value ranges, enumerations) are
// expressed as `validate` tags and checked with go-playground/validator.
// Backend-specific rules that depend on which store type is selected
// (SQLite vs PostgreSQL, filesystem vs S3) are delegated to the section
// configs themselves.
func Validate(cfg *Config) error {
	v := validator.New()

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Index.Validate(); err != nil {
		return fmt.Errorf("invalid index configuration: %w", err)
	}

	if err := cfg.Blobs.Validate(); err != nil {
		return fmt.Errorf("invalid blob storage configuration: %w", err)
	}

	if cfg.Chunks.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunks configuration: chunk_size must be positive")
	}
	if cfg.Chunks.MaxChunks <= 0 {
		return fmt.Errorf("invalid chunks configuration: max_chunks must be positive")
	}

	return nil
}
