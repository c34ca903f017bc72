package config

import (
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/device-gateway/internal/errors"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("Location falls back for unknown zone", func(t *testing.T) {
		cfg := &Config{OperatorTimezone: "Nowhere/Atlantis"}
		loc := cfg.Location()
		_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
		assert.Equal(t, 7*60*60, offset)
	})

	t.Run("Location resolves UTC", func(t *testing.T) {
		cfg := &Config{OperatorTimezone: "UTC"}
		assert.Equal(t, time.UTC, cfg.Location())
	})
}

func validConfig() *Config {
	return &Config{
		DatabaseURL:            "postgres://localhost/test",
		DevicePollInterval:     10 * time.Second,
		ScheduledSweepInterval: 30 * time.Second,
		DispatchInterval:       10 * time.Second,
		HeartbeatInterval:      60 * time.Second,
		PairingSweepInterval:   30 * time.Second,
		DefaultCountryCode:     "62",
		BroadcastWorkers:       5,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects sub-second intervals", func(t *testing.T) {
		cfg := validConfig()
		cfg.DispatchInterval = 10 * time.Millisecond
		assert.ErrorContains(t, cfg.Validate(), "DISPATCH_INTERVAL")
	})

	t.Run("rejects non-positive worker count", func(t *testing.T) {
		cfg := validConfig()
		cfg.BroadcastWorkers = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("rejects non-digit country code", func(t *testing.T) {
		cfg := validConfig()
		cfg.DefaultCountryCode = "+62"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects short encryption key", func(t *testing.T) {
		cfg := validConfig()
		cfg.EncryptionKey = "abcd"
		assert.ErrorContains(t, cfg.Validate(), "ENCRYPTION_KEY")
	})

	t.Run("non-hex encryption key keeps decode cause", func(t *testing.T) {
		cfg := validConfig()
		cfg.EncryptionKey = "zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
		var invalid hex.InvalidByteError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("accepts 32 byte hex key", func(t *testing.T) {
		cfg := validConfig()
		cfg.EncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL",
		"DEVICE_POLL_INTERVAL", "DISPATCH_INTERVAL", "BROADCAST_WORKERS",
	}
	originalEnv := make(map[string]string, len(keys))
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		for _, k := range keys {
			os.Unsetenv(k)
		}
		os.Setenv("DATABASE_URL", "postgres://localhost/test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Empty(t, cfg.RedisURL)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 10*time.Second, cfg.DevicePollInterval)
		assert.Equal(t, 30*time.Second, cfg.ScheduledSweepInterval)
		assert.Equal(t, 10*time.Second, cfg.DispatchInterval)
		assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, "62", cfg.DefaultCountryCode)
		assert.Equal(t, "Kak", cfg.DefaultGreeting)
		assert.Equal(t, 5, cfg.BroadcastWorkers)
		assert.Equal(t, 0, cfg.SendRatePerMinute)
		assert.Equal(t, 120, cfg.APIRateLimitPerMin)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("PORT", "3000")
		os.Setenv("DEVICE_POLL_INTERVAL", "5s")
		os.Setenv("BROADCAST_WORKERS", "8")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, 5*time.Second, cfg.DevicePollInterval)
		assert.Equal(t, 8, cfg.BroadcastWorkers)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")

		_, err := Load()
		assert.Error(t, err)
	})
}
