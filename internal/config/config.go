// Package config provides configuration loading for the POS write queue.
//
// Configuration comes from an optional YAML file, overridden by POSQUEUE_*
// environment variables so the host application can tweak a deployment without
// shipping a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/mvelasco/posqueue/internal/errors"
)

// Config holds the full queue configuration.
type Config struct {
	// DataDir is where the local SQLite database lives. Must survive process
	// restarts.
	DataDir string `yaml:"data_dir"`

	API struct {
		// BaseURL of the remote sales API, e.g. "https://api.example.com".
		// Queued sales are POSTed to BaseURL + "/sales".
		BaseURL string `yaml:"base_url"`
		// AuthToken, when set, is sent as a bearer token.
		AuthToken string `yaml:"auth_token"`
		// RequestTimeout bounds each submission request.
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"api"`

	Sync struct {
		// MaxRetries is the automatic retry ceiling per sale. Once reached the
		// sale needs manual resolution.
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"sync"`

	Connectivity struct {
		// Debounce suppresses repeated online notifications for flapping
		// connections.
		Debounce time.Duration `yaml:"debounce"`
		// ProbeInterval is how often the monitor checks reachability on its
		// own. Zero disables probing; the host reports transitions instead.
		ProbeInterval time.Duration `yaml:"probe_interval"`
	} `yaml:"connectivity"`

	Server struct {
		// ListenAddr for the companion daemon's local HTTP/WebSocket API.
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the configuration defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = "./data"
	cfg.API.RequestTimeout = 30 * time.Second
	cfg.Sync.MaxRetries = 5
	cfg.Connectivity.Debounce = 1500 * time.Millisecond
	cfg.Connectivity.ProbeInterval = 30 * time.Second
	cfg.Server.ListenAddr = "localhost:8091"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads configuration from a YAML file (if path is non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides fields from POSQUEUE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("POSQUEUE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("POSQUEUE_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("POSQUEUE_API_AUTH_TOKEN"); v != "" {
		c.API.AuthToken = v
	}
	if v := os.Getenv("POSQUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("POSQUEUE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POSQUEUE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values the queue cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	if c.Sync.MaxRetries < 1 {
		return apperrors.Newf(apperrors.ErrConfig, "sync.max_retries must be >= 1, got %d", c.Sync.MaxRetries)
	}
	if c.API.RequestTimeout <= 0 {
		return apperrors.Newf(apperrors.ErrConfig, "api.request_timeout must be positive, got %s", c.API.RequestTimeout)
	}
	if c.Connectivity.Debounce < 0 {
		return apperrors.Newf(apperrors.ErrConfig, "connectivity.debounce must not be negative, got %s", c.Connectivity.Debounce)
	}
	return nil
}

// String returns a redacted summary for logging.
func (c *Config) String() string {
	return fmt.Sprintf("data_dir=%s api=%s max_retries=%d debounce=%s",
		c.DataDir, c.API.BaseURL, c.Sync.MaxRetries, c.Connectivity.Debounce)
}
