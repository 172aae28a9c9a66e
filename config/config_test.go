package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chant")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":5200", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.TimerInterval)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, 5, cfg.TxMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/chant")
	t.Setenv("GRACE_PERIOD", "3s")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , https://b.example,")
	t.Setenv("R2_ACCOUNT_ID", "acct")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_BUCKET", "bucket")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.GracePeriod)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.ArchiveEnabled())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chant.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_URL: postgres://file/chant\nTX_MAX_ATTEMPTS: 9\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/chant", cfg.DatabaseURL)
	assert.Equal(t, 9, cfg.TxMaxAttempts)
}

func TestValidateRejectsMissingDatabase(t *testing.T) {
	cfg := &Config{TimerInterval: time.Second, TxMaxAttempts: 1, CacheSize: 1, OutboxBatchSize: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateBoundsCacheTTL(t *testing.T) {
	base := Config{DatabaseURL: "postgres://db/chant", TimerInterval: time.Second, TxMaxAttempts: 1, CacheSize: 1, OutboxBatchSize: 1}

	for _, ttl := range []time.Duration{0, 10 * time.Second, 15 * time.Second} {
		cfg := base
		cfg.CacheTTL = ttl
		err := cfg.Validate()
		require.Error(t, err, "ttl %s", ttl)
		assert.Contains(t, err.Error(), "CACHE_TTL")
	}

	cfg := base
	cfg.CacheTTL = MaxCacheTTL
	assert.NoError(t, cfg.Validate())
}
