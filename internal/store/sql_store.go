package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
)

// Supported database/sql drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *events.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// NewSQLStore opens the database and creates the schema.
func NewSQLStore(ctx context.Context, cfg config.DatabaseConfig, logger *events.Logger) (*SQLStore, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case DriverPostgres:
	default:
		return nil, &models.ConfigurationError{Setting: "database.driver", Value: cfg.Driver}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection also serializes
	// transactions touching the same key rows.
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{
		db:     db,
		driver: cfg.Driver,
		logger: logger.WithField("component", "sql_store"),
	}

	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	s.logger.WithField("driver", cfg.Driver).Debug("Database ready")
	return s, nil
}

// initialize creates tables and indexes.
func (s *SQLStore) initialize(ctx context.Context) error {
	pk, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if s.driver == DriverPostgres {
		pk, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	schema := strings.NewReplacer("{{pk}}", pk, "{{blob}}", blob).Replace(schemaTemplate)

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO schema_info (version) VALUES (?) ON CONFLICT (version) DO NOTHING`,
		CurrentSchemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits if it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id.
func (s *SQLStore) insertID(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, q, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// count runs a SELECT COUNT(*) query.
func (s *SQLStore) count(ctx context.Context, q querier, query string, args ...any) (int, error) {
	var n int
	if err := s.queryRow(ctx, q, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS schema_info (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS auth_plugins (
    id {{pk}},
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS security_classes (
    id {{pk}},
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS security_class_plugins (
    class_id BIGINT NOT NULL REFERENCES security_classes(id),
    plugin_id BIGINT NOT NULL REFERENCES auth_plugins(id),
    position INTEGER NOT NULL,
    PRIMARY KEY (class_id, position)
);

CREATE TABLE IF NOT EXISTS auth_key_pairs (
    id {{pk}},
    user_id BIGINT NOT NULL,
    plugin_id BIGINT NOT NULL REFERENCES auth_plugins(id),
    public_key {{blob}} NOT NULL,
    encrypted_private_key {{blob}} NOT NULL,
    kdf_params {{blob}} NOT NULL,
    credential {{blob}},
    retired_public_key {{blob}},
    retired_private_key {{blob}},
    mac {{blob}} NOT NULL,
    updated_at BIGINT NOT NULL,
    UNIQUE (user_id, plugin_id)
);

CREATE TABLE IF NOT EXISTS crypto_groups (
    group_id BIGINT PRIMARY KEY,
    membership_class_id BIGINT NOT NULL REFERENCES security_classes(id),
    threshold INTEGER NOT NULL,
    next_share_index INTEGER NOT NULL,
    mac {{blob}} NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS group_key_pairs (
    group_id BIGINT NOT NULL,
    security_class_id BIGINT NOT NULL REFERENCES security_classes(id),
    public_key {{blob}} NOT NULL,
    encrypted_private_key {{blob}} NOT NULL,
    mac {{blob}} NOT NULL,
    PRIMARY KEY (group_id, security_class_id)
);

CREATE TABLE IF NOT EXISTS group_access_shares (
    id {{pk}},
    group_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    auth_key_pair_id BIGINT NOT NULL,
    key_ref TEXT NOT NULL,
    encrypted_share {{blob}} NOT NULL,
    mac {{blob}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_shares_member ON group_access_shares(group_id, user_id);
CREATE INDEX IF NOT EXISTS idx_group_shares_user ON group_access_shares(user_id);

CREATE TABLE IF NOT EXISTS passwords (
    id {{pk}},
    owner_id BIGINT NOT NULL,
    owner_type TEXT NOT NULL,
    security_class_id BIGINT NOT NULL REFERENCES security_classes(id),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    data_type TEXT NOT NULL,
    encrypted_payload {{blob}} NOT NULL,
    mac_fields TEXT NOT NULL,
    mac {{blob}} NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS password_user_access (
    password_id BIGINT NOT NULL REFERENCES passwords(id),
    user_id BIGINT NOT NULL,
    encrypted_key {{blob}} NOT NULL,
    key_refs TEXT NOT NULL,
    mac {{blob}} NOT NULL,
    PRIMARY KEY (password_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_user_access_user ON password_user_access(user_id);

CREATE TABLE IF NOT EXISTS password_group_access (
    password_id BIGINT NOT NULL REFERENCES passwords(id),
    group_id BIGINT NOT NULL,
    security_class_id BIGINT NOT NULL,
    encrypted_key {{blob}} NOT NULL,
    key_ref TEXT NOT NULL,
    mac {{blob}} NOT NULL,
    PRIMARY KEY (password_id, group_id)
);

CREATE INDEX IF NOT EXISTS idx_group_access_group ON password_group_access(group_id);

CREATE TABLE IF NOT EXISTS password_index (
    password_id BIGINT NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id BIGINT NOT NULL,
    title TEXT NOT NULL,
    data_type TEXT NOT NULL,
    PRIMARY KEY (password_id, actor_type, actor_id)
);

CREATE INDEX IF NOT EXISTS idx_password_index_actor ON password_index(actor_type, actor_id);

CREATE TABLE IF NOT EXISTS recovery_entries (
    user_id BIGINT NOT NULL,
    plugin_id BIGINT NOT NULL,
    encrypted_auth_information {{blob}} NOT NULL,
    salt {{blob}} NOT NULL,
    mac {{blob}} NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (user_id, plugin_id)
);

CREATE TABLE IF NOT EXISTS password_links (
    id TEXT PRIMARY KEY,
    password_id BIGINT NOT NULL REFERENCES passwords(id),
    creator_id BIGINT NOT NULL,
    token_hash {{blob}} NOT NULL,
    encrypted_key {{blob}} NOT NULL,
    access_params {{blob}},
    max_calls INTEGER NOT NULL,
    calls INTEGER NOT NULL DEFAULT 0,
    expires_at BIGINT NOT NULL,
    mac {{blob}} NOT NULL,
    created_at BIGINT NOT NULL
);
`
