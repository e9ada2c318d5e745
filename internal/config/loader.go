package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "TRESOR"

// Loader handles configuration loading from file and environment.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	v := l.v

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		v.SetConfigName("tresor")
		for _, dir := range l.defaultPaths() {
			v.AddConfigPath(dir)
		}
	}

	// TRESOR_DATABASE_DSN overrides database.dsn
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Derived paths follow data_dir unless set explicitly.
	defaults := DefaultConfig()
	if cfg.Storage.DataDir != defaults.Storage.DataDir {
		if cfg.Storage.KeyDir == defaults.Storage.KeyDir {
			cfg.Storage.KeyDir = filepath.Join(cfg.Storage.DataDir, "keys")
		}
		if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN == defaults.Database.DSN {
			cfg.Database.DSN = filepath.Join(cfg.Storage.DataDir, "tresor.db")
		}
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{".", ".tresor"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "tresor"))
	}

	return append(paths, "/etc/tresor")
}

// setDefaults registers every key so environment overrides reach nested
// fields during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("crypto.symmetric", d.Crypto.Symmetric)
	v.SetDefault("crypto.asymmetric", d.Crypto.Asymmetric)
	v.SetDefault("crypto.kdf", d.Crypto.KDF)
	v.SetDefault("crypto.mac", d.Crypto.MAC)
	v.SetDefault("crypto.hash", d.Crypto.Hash)
	v.SetDefault("crypto.sharing", d.Crypto.Sharing)
	v.SetDefault("crypto.argon2.time", d.Crypto.Argon2.Time)
	v.SetDefault("crypto.argon2.memory_kib", d.Crypto.Argon2.MemoryKiB)
	v.SetDefault("crypto.argon2.threads", d.Crypto.Argon2.Threads)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.key_dir", d.Storage.KeyDir)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)

	v.SetDefault("keys.source", d.Keys.Source)
	v.SetDefault("keys.secret_id", d.Keys.SecretID)

	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.redis_addr", d.Session.RedisAddr)
	v.SetDefault("session.redis_password", d.Session.RedisPassword)
	v.SetDefault("session.redis_db", d.Session.RedisDB)
	v.SetDefault("session.ttl", d.Session.TTL)

	v.SetDefault("auth.min_password_length", d.Auth.MinPasswordLength)
	v.SetDefault("auth.min_keyfile_bytes", d.Auth.MinKeyfileBytes)
	v.SetDefault("auth.attempts_per_minute", d.Auth.AttemptsPerMinute)
	v.SetDefault("auth.attempt_burst", d.Auth.AttemptBurst)
	v.SetDefault("auth.totp_issuer", d.Auth.TOTPIssuer)
	v.SetDefault("auth.totp_skew", d.Auth.TOTPSkew)

	v.SetDefault("recovery.require_token", d.Recovery.RequireToken)
	v.SetDefault("recovery.token_length", d.Recovery.TokenLength)
	v.SetDefault("recovery.token_ttl", d.Recovery.TokenTTL)

	v.SetDefault("links.base_url", d.Links.BaseURL)
	v.SetDefault("links.max_calls", d.Links.MaxCalls)
	v.SetDefault("links.max_lifetime", d.Links.MaxLifetime)

	v.SetDefault("notify.backend", d.Notify.Backend)
	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.max_retries", d.Notify.MaxRetries)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("directory.file", d.Directory.File)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.color", d.Log.Color)
}

// SaveExample writes an example YAML config file.
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
