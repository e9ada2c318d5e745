// Package testutil builds a complete in-memory environment for tests.
package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/directory"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/session"
	"github.com/TheMichaelB/tresor/internal/storage"
	"github.com/TheMichaelB/tresor/internal/store"
)

// FastArgon2 keeps key derivation cheap in tests.
var FastArgon2 = crypto.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1}

// Directory users and groups every Env starts with.
const (
	Alice int64 = 1
	Bob   int64 = 2
	Carol int64 = 3
	Dave  int64 = 4

	Ops int64 = 100
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// NewSuite returns the default suite with cheap Argon2 settings.
func NewSuite(t testing.TB) *crypto.Suite {
	t.Helper()
	reg, err := crypto.NewDefaultRegistry(crypto.NewSystemRandom(), FastArgon2)
	require.NoError(t, err)
	suite, err := crypto.NewSuite(reg, crypto.DefaultSelection())
	require.NoError(t, err)
	return suite
}

// Env wires the infrastructure the services depend on.
type Env struct {
	Suite     *crypto.Suite
	Store     *store.MemoryStore
	Keys      *keystore.Keystore
	Verifier  *keystore.Verifier
	Metrics   *metrics.Metrics
	Sessions  *session.MemoryStore
	Directory *directory.Static
	Logger    *events.Logger
	Log       *bytes.Buffer
}

// NewEnv creates a fresh environment.
func NewEnv(t testing.TB) *Env {
	t.Helper()

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	suite := NewSuite(t)

	keys := keystore.New(keystore.NewFileSource(storage.NewMemoryStore(), suite.Random, logger))
	m := metrics.New()

	dir, err := directory.NewStatic(
		[]*directory.User{
			{ID: Alice, DisplayName: "Alice", Email: "alice@example.com"},
			{ID: Bob, DisplayName: "Bob", Email: "bob@example.com"},
			{ID: Carol, DisplayName: "Carol", Email: "carol@example.com"},
			{ID: Dave, DisplayName: "Dave", Email: "dave@example.com"},
		},
		[]*directory.Group{
			{ID: Ops, DisplayName: "Ops", Members: []int64{Alice, Bob, Carol}},
		},
	)
	require.NoError(t, err)

	return &Env{
		Suite:     suite,
		Store:     store.NewMemoryStore(),
		Keys:      keys,
		Verifier:  keystore.NewVerifier(keys, suite, logger, m),
		Metrics:   m,
		Sessions:  session.NewMemoryStore(),
		Directory: dir,
		Logger:    logger,
		Log:       &buf,
	}
}

// NewSession opens a fresh session.
func (e *Env) NewSession() *session.Session {
	return session.New(e.Sessions, session.NewID())
}
