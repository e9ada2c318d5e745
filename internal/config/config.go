package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Primitive module selection
	Crypto CryptoConfig `mapstructure:"crypto" json:"crypto"`

	// Local paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Relational store
	Database DatabaseConfig `mapstructure:"database" json:"database"`

	// System key source
	Keys KeysConfig `mapstructure:"keys" json:"keys"`

	// Session scratch space
	Session SessionConfig `mapstructure:"session" json:"session"`

	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Recovery RecoveryConfig `mapstructure:"recovery" json:"recovery"`
	Links    LinksConfig    `mapstructure:"links" json:"links"`
	Notify   NotifyConfig   `mapstructure:"notify" json:"notify"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`

	// External actor directory
	Directory DirectoryConfig `mapstructure:"directory" json:"directory"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`
}

// CryptoConfig names the current module for each primitive. Data produced
// by other registered modules stays readable.
type CryptoConfig struct {
	Symmetric  string       `mapstructure:"symmetric" json:"symmetric"`
	Asymmetric string       `mapstructure:"asymmetric" json:"asymmetric"`
	KDF        string       `mapstructure:"kdf" json:"kdf"`
	MAC        string       `mapstructure:"mac" json:"mac"`
	Hash       string       `mapstructure:"hash" json:"hash"`
	Sharing    string       `mapstructure:"sharing" json:"sharing"`
	Argon2     Argon2Config `mapstructure:"argon2" json:"argon2"`
}

// Argon2Config holds Argon2id cost parameters for new derivations.
type Argon2Config struct {
	Time      uint32 `mapstructure:"time" json:"time"`
	MemoryKiB uint32 `mapstructure:"memory_kib" json:"memory_kib"`
	Threads   uint8  `mapstructure:"threads" json:"threads"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"` // Base directory for all data
	KeyDir  string `mapstructure:"key_dir" json:"key_dir"`   // System key files
}

// DatabaseConfig selects the SQL driver.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" json:"driver"` // sqlite3, pgx
	DSN          string `mapstructure:"dsn" json:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns"`
}

// KeysConfig selects where system keys come from.
type KeysConfig struct {
	Source   string `mapstructure:"source" json:"source"` // file, secretsmanager
	SecretID string `mapstructure:"secret_id" json:"secret_id"`
}

// SessionConfig selects the session backend.
type SessionConfig struct {
	Backend       string        `mapstructure:"backend" json:"backend"` // memory, redis
	RedisAddr     string        `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" json:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" json:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl" json:"ttl"`
}

// AuthConfig for authentication plugins.
type AuthConfig struct {
	MinPasswordLength int     `mapstructure:"min_password_length" json:"min_password_length"`
	MinKeyfileBytes   int     `mapstructure:"min_keyfile_bytes" json:"min_keyfile_bytes"`
	AttemptsPerMinute float64 `mapstructure:"attempts_per_minute" json:"attempts_per_minute"`
	AttemptBurst      int     `mapstructure:"attempt_burst" json:"attempt_burst"`
	TOTPIssuer        string  `mapstructure:"totp_issuer" json:"totp_issuer"`
	TOTPSkew          uint    `mapstructure:"totp_skew" json:"totp_skew"`
}

// RecoveryConfig for the recovery flow.
type RecoveryConfig struct {
	RequireToken bool          `mapstructure:"require_token" json:"require_token"`
	TokenLength  int           `mapstructure:"token_length" json:"token_length"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
}

// LinksConfig for public password links.
type LinksConfig struct {
	BaseURL     string        `mapstructure:"base_url" json:"base_url"`
	MaxCalls    int           `mapstructure:"max_calls" json:"max_calls"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime" json:"max_lifetime"`
}

// NotifyConfig for the out-of-band channel.
type NotifyConfig struct {
	Backend    string        `mapstructure:"backend" json:"backend"` // log, webhook
	WebhookURL string        `mapstructure:"webhook_url" json:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
}

// ServerConfig for the link endpoint.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" json:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

// DirectoryConfig points at the actor directory file.
type DirectoryConfig struct {
	File string `mapstructure:"file" json:"file"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error, critical
	Format string `mapstructure:"format" json:"format"` // text, json
	File   string `mapstructure:"file" json:"file"`     // Log file path (empty = stderr)
	Color  bool   `mapstructure:"color" json:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".tresor"

	return &Config{
		Crypto: CryptoConfig{
			Symmetric:  "aes-256-gcm",
			Asymmetric: "nacl-box-x25519",
			KDF:        "argon2id",
			MAC:        "hmac-sha256",
			Hash:       "sha256",
			Sharing:    "shamir-ed25519",
			Argon2: Argon2Config{
				Time:      3,
				MemoryKiB: 64 * 1024,
				Threads:   4,
			},
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			KeyDir:  filepath.Join(dataDir, "keys"),
		},
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          filepath.Join(dataDir, "tresor.db"),
			MaxOpenConns: 1,
		},
		Keys: KeysConfig{
			Source: "file",
		},
		Session: SessionConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       30 * time.Minute,
		},
		Auth: AuthConfig{
			MinPasswordLength: 10,
			MinKeyfileBytes:   32,
			AttemptsPerMinute: 10,
			AttemptBurst:      5,
			TOTPIssuer:        "tresor",
			TOTPSkew:          1,
		},
		Recovery: RecoveryConfig{
			RequireToken: false,
			TokenLength:  8,
			TokenTTL:     15 * time.Minute,
		},
		Links: LinksConfig{
			BaseURL:     "http://localhost:8080",
			MaxCalls:    100,
			MaxLifetime: 30 * 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Backend:    "log",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	validDrivers := map[string]bool{"sqlite3": true, "pgx": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	switch c.Keys.Source {
	case "file":
		if c.Storage.KeyDir == "" {
			return errors.New("storage.key_dir is required for file keys")
		}
	case "secretsmanager":
		if c.Keys.SecretID == "" {
			return errors.New("keys.secret_id is required for secretsmanager keys")
		}
	default:
		return fmt.Errorf("invalid key source: %s", c.Keys.Source)
	}

	validBackends := map[string]bool{"memory": true, "redis": true}
	if !validBackends[c.Session.Backend] {
		return fmt.Errorf("invalid session backend: %s", c.Session.Backend)
	}

	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}

	if c.Auth.MinPasswordLength <= 0 {
		return errors.New("auth.min_password_length must be positive")
	}

	if c.Auth.AttemptsPerMinute <= 0 || c.Auth.AttemptBurst <= 0 {
		return errors.New("auth attempt limits must be positive")
	}

	if c.Crypto.Argon2.Time == 0 || c.Crypto.Argon2.MemoryKiB == 0 || c.Crypto.Argon2.Threads == 0 {
		return errors.New("crypto.argon2 parameters must be positive")
	}

	if c.Recovery.RequireToken && c.Recovery.TokenLength < 6 {
		return errors.New("recovery.token_length must be at least 6")
	}

	validNotify := map[string]bool{"log": true, "webhook": true}
	if !validNotify[c.Notify.Backend] {
		return fmt.Errorf("invalid notify backend: %s", c.Notify.Backend)
	}
	if c.Notify.Backend == "webhook" && c.Notify.WebhookURL == "" {
		return errors.New("notify.webhook_url is required for webhook notifications")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "critical": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.KeyDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
