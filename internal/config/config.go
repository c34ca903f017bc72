package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/device-gateway/internal/errors"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisURL      string `env:"REDIS_URL"`
	APIToken      string `env:"API_TOKEN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	DevicePollInterval     time.Duration `env:"DEVICE_POLL_INTERVAL" envDefault:"10s"`
	ScheduledSweepInterval time.Duration `env:"SCHEDULED_SWEEP_INTERVAL" envDefault:"30s"`
	DispatchInterval       time.Duration `env:"DISPATCH_INTERVAL" envDefault:"10s"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"60s"`
	PairingSweepInterval   time.Duration `env:"PAIRING_SWEEP_INTERVAL" envDefault:"30s"`

	DefaultCountryCode string        `env:"DEFAULT_COUNTRY_CODE" envDefault:"62"`
	OperatorTimezone   string        `env:"OPERATOR_TIMEZONE" envDefault:"Asia/Jakarta"`
	DefaultGreeting    string        `env:"DEFAULT_GREETING" envDefault:"Kak"`
	BrowserName        string        `env:"BROWSER_NAME" envDefault:"Chrome"`
	BroadcastWorkers   int           `env:"BROADCAST_WORKERS" envDefault:"5"`
	SendRatePerMinute  int           `env:"SEND_RATE_PER_MINUTE" envDefault:"0"`
	MediaFetchTimeout  time.Duration `env:"MEDIA_FETCH_TIMEOUT" envDefault:"30s"`
	APIRateLimitPerMin int           `env:"API_RATE_LIMIT_PER_MIN" envDefault:"120"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Location resolves the operator time zone used when rendering {waktu},
// {tanggal} and {hari}. Unknown zones fall back to UTC+7.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.OperatorTimezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", c.OperatorTimezone).Msg("unknown operator timezone, using UTC+7")
		return time.FixedZone("WIB", 7*60*60)
	}
	return loc
}

func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"DEVICE_POLL_INTERVAL":     c.DevicePollInterval,
		"SCHEDULED_SWEEP_INTERVAL": c.ScheduledSweepInterval,
		"DISPATCH_INTERVAL":        c.DispatchInterval,
		"HEARTBEAT_INTERVAL":       c.HeartbeatInterval,
		"PAIRING_SWEEP_INTERVAL":   c.PairingSweepInterval,
	} {
		if d < time.Second {
			return apperrors.ValidationError(fmt.Sprintf("%s must be at least 1s, got %s", name, d))
		}
	}

	if c.BroadcastWorkers < 1 {
		return apperrors.ValidationError(fmt.Sprintf("BROADCAST_WORKERS must be positive, got %d", c.BroadcastWorkers))
	}
	if c.APIRateLimitPerMin < 0 {
		return apperrors.ValidationError("API_RATE_LIMIT_PER_MIN must not be negative")
	}
	if c.SendRatePerMinute < 0 {
		return apperrors.ValidationError("SEND_RATE_PER_MINUTE must not be negative")
	}
	if c.DefaultCountryCode == "" || strings.Trim(c.DefaultCountryCode, "0123456789") != "" {
		return apperrors.ValidationError("DEFAULT_COUNTRY_CODE must be digits only")
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return apperrors.ValidationError("ENCRYPTION_KEY must be 64 hex chars (generate with: openssl rand -hex 32)").WithCause(err)
		}
	} else {
		log.Warn().Msg("ENCRYPTION_KEY is empty: session credentials will be stored unencrypted")
	}

	if c.APIToken == "" {
		log.Warn().Msg("API_TOKEN is empty: /v1 endpoints will reject every request")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: using in-process code cache, device event stream disabled")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
