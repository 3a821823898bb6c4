// Package config loads server configuration.
//
// Tunables live in server_config.json inside the data directory, created
// with defaults on first start. Deployment settings (listen address, storage
// locations) come from flags, the process environment, or a .env file; see
// [LoadEnv].
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the name of the configuration file inside the data directory.
const FileName = "server_config.json"

// ServerConfig stores all server-wide configuration.
type ServerConfig struct {
	Quotas     Quotas     `json:"quotas"`
	RateLimits RateLimits `json:"rate_limits"`
	Surface    Surface    `json:"surface"`
	Import     Import     `json:"import"`
}

// Quotas bounds stored data and requests.
type Quotas struct {
	// MaxAssetBytes limits a single image. Must be positive.
	MaxAssetBytes int64 `json:"max_asset_bytes"`
	// MaxAssets limits the number of stored images. 0 means unlimited.
	MaxAssets int `json:"max_assets"`
	// MaxRequestBodyBytes limits any single HTTP request body.
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes"`
}

// Validate checks the quota values.
func (q *Quotas) Validate() error {
	if q.MaxAssetBytes <= 0 {
		return errors.New("max_asset_bytes must be positive")
	}
	if q.MaxAssets < 0 {
		return errors.New("max_assets must be non-negative")
	}
	if q.MaxRequestBodyBytes < 0 {
		return errors.New("max_request_body_bytes must be non-negative")
	}
	return nil
}

// RateLimits defines per client IP rate limits in requests per minute.
// 0 means unlimited.
type RateLimits struct {
	WriteRatePerMin  int `json:"write_rate_per_min"`
	ImportRatePerMin int `json:"import_rate_per_min"`
	ReadRatePerMin   int `json:"read_rate_per_min"`
}

// Validate checks that rate limit values are non-negative.
func (r *RateLimits) Validate() error {
	if r.WriteRatePerMin < 0 {
		return errors.New("write_rate_per_min must be non-negative")
	}
	if r.ImportRatePerMin < 0 {
		return errors.New("import_rate_per_min must be non-negative")
	}
	if r.ReadRatePerMin < 0 {
		return errors.New("read_rate_per_min must be non-negative")
	}
	return nil
}

// Surface is the look of the applied background.
type Surface struct {
	ActiveOpacity float64 `json:"active_opacity"`
	Transition    string  `json:"transition"`
	ActiveLabel   string  `json:"active_label"`
	EmptyLabel    string  `json:"empty_label"`
}

// Validate checks the opacity range.
func (s *Surface) Validate() error {
	if s.ActiveOpacity <= 0 || s.ActiveOpacity > 1 {
		return errors.New("active_opacity must be in (0, 1]")
	}
	return nil
}

// Import controls manifest imports.
type Import struct {
	// Concurrency bounds parallel image downloads.
	Concurrency int `json:"concurrency"`
	// TimeoutSeconds bounds each download.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Validate checks the import settings.
func (i *Import) Validate() error {
	if i.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if i.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	return nil
}

// Default returns the default configuration.
func Default() ServerConfig {
	return ServerConfig{
		Quotas: Quotas{
			MaxAssetBytes:       20 * 1024 * 1024, // 20 MiB
			MaxAssets:           200,
			MaxRequestBodyBytes: 25 * 1024 * 1024, // 25 MiB
		},
		RateLimits: RateLimits{
			WriteRatePerMin:  60,
			ImportRatePerMin: 6,
			ReadRatePerMin:   6000,
		},
		Surface: Surface{
			ActiveOpacity: 0.25,
			Transition:    "opacity 450ms ease, background-image 300ms ease",
			ActiveLabel:   "Ativo",
			EmptyLabel:    "Nenhum",
		},
		Import: Import{
			Concurrency:    4,
			TimeoutSeconds: 30,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *ServerConfig) Validate() error {
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("quotas: %w", err)
	}
	if err := c.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	if err := c.Surface.Validate(); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	if err := c.Import.Validate(); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	return nil
}

// LoadServerConfig loads dataDir/server_config.json, creating it with
// defaults if it doesn't exist. Fields missing from the file keep their
// default value.
func LoadServerConfig(dataDir string) (*ServerConfig, error) {
	path := filepath.Join(dataDir, FileName)
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir.
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Save writes the configuration to dataDir/server_config.json.
func (c *ServerConfig) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}
