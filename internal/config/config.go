// Package config loads proxy settings from an optional YAML file with
// environment-variable overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// CredentialsPath is the OAuth credential file written by the Gemini
	// CLI login flow.
	CredentialsPath string `yaml:"credentials_path"`

	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
}

type BackendConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIVersion      string        `yaml:"api_version"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`

	// HandleBackend selects where digest -> cached-content handles live:
	// "memory" or "redis".
	HandleBackend string `yaml:"handle_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	Prefix        string `yaml:"prefix"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Port:            "8080",
		LogLevel:        "info",
		CredentialsPath: filepath.Join(home, ".gemini", "oauth_creds.json"),
		Cache: CacheConfig{
			Enabled:       true,
			Capacity:      1024,
			TTL:           time.Hour,
			HandleBackend: "memory",
			RedisAddr:     "127.0.0.1:6379",
			Prefix:        "claudegate",
		},
	}
}

// Load reads the config file at path (missing file is fine; defaults apply)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.CredentialsPath, "CLAUDEGATE_CREDENTIALS")
	setString(&cfg.Backend.BaseURL, "CLAUDEGATE_BACKEND_URL")
	setString(&cfg.Cache.HandleBackend, "CACHE_BACKEND")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")

	if v := os.Getenv("CLAUDEGATE_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
