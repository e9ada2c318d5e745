package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "argon2id", cfg.Crypto.KDF)
	assert.Equal(t, "aes-256-gcm", cfg.Crypto.Symmetric)
	assert.NotEmpty(t, cfg.Storage.DataDir)
	assert.Positive(t, cfg.Session.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "unknown driver",
			modify: func(c *config.Config) {
				c.Database.Driver = "mysql"
			},
			wantErr: "invalid database driver",
		},
		{
			name: "secretsmanager without id",
			modify: func(c *config.Config) {
				c.Keys.Source = "secretsmanager"
			},
			wantErr: "keys.secret_id is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "critical log level",
			modify: func(c *config.Config) {
				c.Log.Level = "critical"
			},
			wantErr: "",
		},
		{
			name: "zero argon2 memory",
			modify: func(c *config.Config) {
				c.Crypto.Argon2.MemoryKiB = 0
			},
			wantErr: "crypto.argon2",
		},
		{
			name: "webhook without url",
			modify: func(c *config.Config) {
				c.Notify.Backend = "webhook"
			},
			wantErr: "notify.webhook_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tresor.yaml")
	data := []byte(`
storage:
  data_dir: ` + filepath.Join(dir, "data") + `
crypto:
  symmetric: xchacha20-poly1305
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0600))

	t.Setenv("TRESOR_SESSION_TTL", "5m")
	t.Setenv("TRESOR_LOG_FORMAT", "JSON")

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFile())
	assert.Equal(t, "xchacha20-poly1305", cfg.Crypto.Symmetric)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.Equal(t, filepath.Join(dir, "data", "keys"), cfg.Storage.KeyDir)
	assert.Equal(t, filepath.Join(dir, "data", "tresor.db"), cfg.Database.DSN)
}

func TestLoaderRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tresor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0600))

	_, err := config.NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database driver")
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.KeyDir = filepath.Join(dir, "data", "keys")

	require.NoError(t, cfg.EnsureDirectories())

	info, err := os.Stat(cfg.Storage.KeyDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
