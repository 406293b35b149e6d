package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service-level settings read from a YAML file. Secrets never
// live here; they come from the environment (see LoadEnv).
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration

	RateLimit struct {
		RequestsPerMinute int
		Burst             int
		Window            time.Duration
	}

	APIKeys struct {
		MaxPerUser int
	}

	Session struct {
		JWKSURL string
	}
}

// yamlConfig mirrors Config with string durations, since a scalar like "30s"
// does not decode into time.Duration directly.
type yamlConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	RateLimit struct {
		RequestsPerMinute int    `yaml:"requests_per_minute"`
		Burst             int    `yaml:"burst"`
		Window            string `yaml:"window"`
	} `yaml:"rate_limit"`

	APIKeys struct {
		MaxPerUser *int `yaml:"max_per_user"`
	} `yaml:"api_keys"`

	Session struct {
		JWKSURL string `yaml:"jwks_url"`
	} `yaml:"session"`
}

// Default returns the config used when no file is present.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":8080"
	cfg.ShutdownTimeout = 15 * time.Second
	cfg.RateLimit.RequestsPerMinute = 120
	cfg.RateLimit.Burst = 30
	cfg.RateLimit.Window = time.Minute
	cfg.APIKeys.MaxPerUser = 10
	return cfg
}

// Load reads a YAML config file, applying defaults for anything unset. A
// missing file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.RateLimit.RequestsPerMinute > 0 {
		cfg.RateLimit.RequestsPerMinute = raw.RateLimit.RequestsPerMinute
	}
	if raw.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if raw.APIKeys.MaxPerUser != nil {
		cfg.APIKeys.MaxPerUser = *raw.APIKeys.MaxPerUser
	}
	if raw.Session.JWKSURL != "" {
		cfg.Session.JWKSURL = raw.Session.JWKSURL
	}

	if cfg.ShutdownTimeout, err = parseDuration(raw.ShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return cfg, fmt.Errorf("parsing config %s: shutdown_timeout: %w", path, err)
	}
	if cfg.RateLimit.Window, err = parseDuration(raw.RateLimit.Window, cfg.RateLimit.Window); err != nil {
		return cfg, fmt.Errorf("parsing config %s: rate_limit.window: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, err
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}
