// Package config loads the dogquiz client configuration.
//
// Sources, highest priority first:
//  1. an explicit path (the --config flag);
//  2. DOGQUIZ_CONFIG;
//  3. ./dogquiz.yaml;
//  4. environment only.
//
// Environment variables always overlay values read from a file.
package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const localFile = "dogquiz.yaml"

// Credential store backends
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	API         APIConfig         `yaml:"api"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Log         LogConfig         `yaml:"log"`
	Refresh     RefreshConfig     `yaml:"refresh"`
}

// APIConfig points the client at the backend.
type APIConfig struct {
	BaseURL  string `yaml:"base_url" env:"DOGQUIZ_API_URL" env-default:"http://localhost:8000/api"`
	Language string `yaml:"language" env:"DOGQUIZ_LANG"`
}

// CredentialsConfig selects where tokens are kept between runs.
type CredentialsConfig struct {
	Backend string `yaml:"backend" env:"DOGQUIZ_CREDENTIALS_BACKEND" env-default:"fs"`
	Path    string `yaml:"path" env:"DOGQUIZ_CREDENTIALS_PATH"`
	Profile string `yaml:"profile" env:"DOGQUIZ_PROFILE" env-default:"default"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"DOGQUIZ_LOG_LEVEL" env-default:"info"`
}

// RefreshConfig tunes the refresh coordinator. Concurrent refreshes are
// collapsed into one exchange unless DisableSingleFlight is set.
type RefreshConfig struct {
	DisableSingleFlight bool `yaml:"disable_single_flight" env:"DOGQUIZ_REFRESH_DISABLE_SINGLE_FLIGHT"`
}

// Validate checks values that cleanenv cannot
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	switch c.Credentials.Backend {
	case BackendFS, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("credentials.backend must be one of [%s, %s, %s], got %q",
			BackendFS, BackendSQLite, BackendMemory, c.Credentials.Backend)
	}
	return nil
}

func Load(path string) (*Config, error) {
	var cfg Config

	read := func(p string) (*Config, error) {
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		return read(path)
	}

	if envPath := os.Getenv("DOGQUIZ_CONFIG"); envPath != "" {
		return read(envPath)
	}

	if _, err := os.Stat(localFile); err == nil {
		return read(localFile)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
