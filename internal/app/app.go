// Package app wires configuration, infrastructure and the handlers into
// one value the CLI and the link server share.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/directory"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/notify"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/links"
	"github.com/TheMichaelB/tresor/internal/services/passwords"
	"github.com/TheMichaelB/tresor/internal/services/recovery"
	"github.com/TheMichaelB/tresor/internal/services/totp"
	"github.com/TheMichaelB/tresor/internal/session"
	"github.com/TheMichaelB/tresor/internal/storage"
	"github.com/TheMichaelB/tresor/internal/store"
)

// App provides the high-level API for tresor operations.
type App struct {
	Config    *config.Config
	Logger    *events.Logger
	Suite     *crypto.Suite
	Keys      *keystore.Keystore
	Verifier  *keystore.Verifier
	Store     store.Store
	Sessions  session.Store
	Directory directory.Directory
	Notifier  notify.Sender
	Metrics   *metrics.Metrics

	Auth      *auth.Service
	Actors    *actors.Service
	Passwords *passwords.Service
	Recovery  *recovery.Service
	Links     *links.Service

	closers []io.Closer
}

// Overrides replaces infrastructure the config would otherwise build.
// Nil fields are built from the config.
type Overrides struct {
	Store     store.Store
	Sessions  session.Store
	KeySource keystore.Source
	Directory directory.Directory
	Notifier  notify.Sender
	Argon2    *crypto.Argon2Params
	Now       func() time.Time
}

// New creates an App from cfg.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*App, error) {
	return NewWithOverrides(ctx, cfg, logger, Overrides{})
}

// NewWithOverrides creates an App, taking any provided infrastructure as is.
func NewWithOverrides(ctx context.Context, cfg *config.Config, logger *events.Logger, o Overrides) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o Overrides) error {
	cfg := a.Config

	suite, err := newSuite(cfg.Crypto, o.Argon2)
	if err != nil {
		return err
	}
	a.Suite = suite

	source := o.KeySource
	if source == nil {
		if source, err = a.keySource(ctx); err != nil {
			return err
		}
	}
	a.Keys = keystore.New(source)
	a.Verifier = keystore.NewVerifier(a.Keys, suite, a.Logger, a.Metrics)

	a.Store = o.Store
	if a.Store == nil {
		sqlStore, err := store.NewSQLStore(ctx, cfg.Database, a.Logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		a.Store = sqlStore
		a.closers = append(a.closers, sqlStore)
	}

	a.Sessions = o.Sessions
	if a.Sessions == nil {
		if a.Sessions, err = a.sessionStore(ctx); err != nil {
			return err
		}
	}

	a.Directory = o.Directory
	if a.Directory == nil {
		if cfg.Directory.File == "" {
			return &models.ConfigurationError{Setting: "directory.file", Value: ""}
		}
		if a.Directory, err = directory.LoadFile(cfg.Directory.File); err != nil {
			return &models.ConfigurationError{Setting: "directory.file", Value: cfg.Directory.File, Err: err}
		}
	}

	a.Notifier = o.Notifier
	if a.Notifier == nil {
		if a.Notifier, err = notify.New(cfg.Notify, a.Logger); err != nil {
			return err
		}
	}

	a.wireServices(o.Now)

	a.Logger.WithFields(map[string]interface{}{
		"driver":   cfg.Database.Driver,
		"sessions": cfg.Session.Backend,
		"keys":     cfg.Keys.Source,
		"kdf":      suite.KDF.ID(),
	}).Debug("Application initialized")
	return nil
}

func (a *App) wireServices(now func() time.Time) {
	cfg := a.Config

	otp := totp.NewService(cfg.Auth.TOTPIssuer, cfg.Auth.TOTPSkew)
	a.Auth = auth.NewService(auth.Deps{
		Store:    a.Store,
		Suite:    a.Suite,
		Keys:     a.Keys,
		Verifier: a.Verifier,
		Registry: auth.DefaultRegistry(cfg.Auth, otp),
		Limiter:  auth.NewLimiter(cfg.Auth.AttemptsPerMinute, cfg.Auth.AttemptBurst),
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})

	a.Actors = actors.NewService(actors.Deps{
		Store:     a.Store,
		Suite:     a.Suite,
		Verifier:  a.Verifier,
		Auth:      a.Auth,
		Directory: a.Directory,
		Logger:    a.Logger,
	})

	a.Passwords = passwords.NewService(passwords.Deps{
		Store:     a.Store,
		Suite:     a.Suite,
		Verifier:  a.Verifier,
		Auth:      a.Auth,
		Actors:    a.Actors,
		Directory: a.Directory,
		Logger:    a.Logger,
	})

	a.Recovery = recovery.NewService(recovery.Deps{
		Store:     a.Store,
		Suite:     a.Suite,
		Verifier:  a.Verifier,
		Auth:      a.Auth,
		Directory: a.Directory,
		Notifier:  a.Notifier,
		Config:    cfg.Recovery,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
		Now:       now,
	})

	a.Links = links.NewService(links.Deps{
		Store:     a.Store,
		Suite:     a.Suite,
		Keys:      a.Keys,
		Verifier:  a.Verifier,
		Passwords: a.Passwords,
		Config:    cfg.Links,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
		Now:       now,
	})
}

// newSuite resolves the configured module names.
func newSuite(cfg config.CryptoConfig, argon *crypto.Argon2Params) (*crypto.Suite, error) {
	params := crypto.Argon2Params{
		Time:      cfg.Argon2.Time,
		MemoryKiB: cfg.Argon2.MemoryKiB,
		Threads:   cfg.Argon2.Threads,
	}
	if argon != nil {
		params = *argon
	}

	random := crypto.NewSystemRandom()
	reg, err := crypto.NewDefaultRegistry(random, params)
	if err != nil {
		return nil, fmt.Errorf("register crypto modules: %w", err)
	}

	sel := crypto.DefaultSelection()
	override(&sel.Symmetric, cfg.Symmetric)
	override(&sel.Asymmetric, cfg.Asymmetric)
	override(&sel.KDF, cfg.KDF)
	override(&sel.MAC, cfg.MAC)
	override(&sel.Hash, cfg.Hash)
	override(&sel.Sharing, cfg.Sharing)

	return crypto.NewSuite(reg, sel)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (a *App) keySource(ctx context.Context) (keystore.Source, error) {
	switch a.Config.Keys.Source {
	case "secretsmanager":
		return keystore.NewSecretsManagerSource(ctx, a.Config.Keys.SecretID)
	case "", "file":
		files, err := storage.NewLocalStore(a.Config.Storage.KeyDir, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("open key dir: %w", err)
		}
		return keystore.NewFileSource(files, a.Suite.Random, a.Logger), nil
	default:
		return nil, &models.ConfigurationError{Setting: "keys.source", Value: a.Config.Keys.Source}
	}
}

func (a *App) sessionStore(ctx context.Context) (session.Store, error) {
	switch a.Config.Session.Backend {
	case "redis":
		rs, err := session.NewRedisStore(ctx, a.Config.Session)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs)
		return rs, nil
	case "", "memory":
		return session.NewMemoryStore(), nil
	default:
		return nil, &models.ConfigurationError{Setting: "session.backend", Value: a.Config.Session.Backend}
	}
}

// NewActor opens a request-scoped actor on session sid. An empty sid
// starts a fresh session.
func (a *App) NewActor(userID int64, sid string) *auth.Actor {
	if sid == "" {
		sid = session.NewID()
	}
	return auth.NewActor(userID, session.New(a.Sessions, sid))
}

// Close releases the store and session connections.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
