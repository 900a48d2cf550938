package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

func TestNewConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg, err := NewConfig("localhost:8000", "test-dsn", testSecret, "localhost:6379",
			[]string{"http://localhost:3000"})
		require.NoError(t, err)

		assert.Equal(t, "localhost:8000", cfg.ServerAddr)
		assert.Equal(t, "test-dsn", cfg.DatabaseDSN)
		assert.Equal(t, "localhost:6379", cfg.RedisAddr)
		assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
		assert.Len(t, cfg.SigningKey, 32)
	})

	t.Run("redis address is optional", func(t *testing.T) {
		cfg, err := NewConfig("localhost:8000", "test-dsn", testSecret, "", nil)
		require.NoError(t, err)
		assert.Empty(t, cfg.RedisAddr)
	})

	t.Run("missing server address", func(t *testing.T) {
		_, err := NewConfig("", "test-dsn", testSecret, "", nil)
		assert.Error(t, err)
	})

	t.Run("missing dsn", func(t *testing.T) {
		_, err := NewConfig("localhost:8000", "", testSecret, "", nil)
		assert.Error(t, err)
	})

	t.Run("missing signing secret", func(t *testing.T) {
		_, err := NewConfig("localhost:8000", "test-dsn", "", "", nil)
		assert.Error(t, err)
	})

	t.Run("invalid signing secret", func(t *testing.T) {
		_, err := NewConfig("localhost:8000", "test-dsn", "not base64!!", "", nil)
		assert.Error(t, err)
	})
}
