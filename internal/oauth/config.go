package oauth

import (
	"os"
	"strings"
	"time"
)

// Default credential lifetimes. Callers of the adapter may pass an explicit
// expiry; these apply when they do not.
const (
	DefaultAuthCodeTTL     = 60 * time.Second
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 24 * time.Hour
	DefaultEphemeralTTL    = time.Hour
	DefaultSweepInterval   = time.Minute
)

// Config holds credential lifecycle settings.
type Config struct {
	AuthCodeTTL     time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	EphemeralTTL    time.Duration
	SweepInterval   time.Duration
}

// LoadConfigFromEnv loads lifecycle settings from environment variables,
// falling back to defaults for any that are unset or unparsable.
func LoadConfigFromEnv() Config {
	return Config{
		AuthCodeTTL:     parseDurationEnv("AUTH_CODE_TTL", DefaultAuthCodeTTL),
		AccessTokenTTL:  parseDurationEnv("ACCESS_TOKEN_TTL", DefaultAccessTokenTTL),
		RefreshTokenTTL: parseDurationEnv("REFRESH_TOKEN_TTL", DefaultRefreshTokenTTL),
		EphemeralTTL:    parseDurationEnv("EPHEMERAL_TTL", DefaultEphemeralTTL),
		SweepInterval:   parseDurationEnv("EPHEMERAL_SWEEP_INTERVAL", DefaultSweepInterval),
	}
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
