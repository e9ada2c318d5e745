package recovery_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/recovery"
	"github.com/TheMichaelB/tresor/internal/services/totp"
	"github.com/TheMichaelB/tresor/test/testutil"
)

const pw = "correcthorse"

type message struct {
	recipient, subject, body string
}

type recordingSender struct {
	sent []message
	err  error
}

func (r *recordingSender) Send(_ context.Context, recipient, subject, body string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, message{recipient, subject, body})
	return nil
}

var tokenPattern = regexp.MustCompile(`token is (\d+)`)

func (r *recordingSender) token(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, r.sent)
	m := tokenPattern.FindStringSubmatch(r.sent[len(r.sent)-1].body)
	require.Len(t, m, 2)
	return m[1]
}

type harness struct {
	env      *testutil.Env
	plugin   *auth.Plugin
	recovery *recovery.Service
	sender   *recordingSender
	now      time.Time
}

func newHarness(t *testing.T, requireToken bool) *harness {
	t.Helper()
	ctx := context.Background()
	env := testutil.NewEnv(t)

	authSvc := auth.NewService(auth.Deps{
		Store:    env.Store,
		Suite:    env.Suite,
		Keys:     env.Keys,
		Verifier: env.Verifier,
		Registry: auth.DefaultRegistry(config.AuthConfig{MinPasswordLength: 8}, totp.NewService("", 1)),
		Metrics:  env.Metrics,
		Logger:   env.Logger,
	})
	p, err := authSvc.CreatePlugin(ctx, &models.AuthPlugin{Title: "password", Kind: auth.KindPassword})
	require.NoError(t, err)
	_, err = p.Register(ctx, testutil.Alice, crypto.HiddenString(pw))
	require.NoError(t, err)

	h := &harness{
		env:    env,
		plugin: p,
		sender: &recordingSender{},
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.recovery = recovery.NewService(recovery.Deps{
		Store:     env.Store,
		Suite:     env.Suite,
		Verifier:  env.Verifier,
		Auth:      authSvc,
		Directory: env.Directory,
		Notifier:  h.sender,
		Config: config.RecoveryConfig{
			RequireToken: requireToken,
			TokenLength:  8,
			TokenTTL:     15 * time.Minute,
		},
		Metrics: env.Metrics,
		Logger:  env.Logger,
		Now:     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) actor(t *testing.T) *auth.Actor {
	t.Helper()
	a := auth.NewActor(testutil.Alice, h.env.NewSession())
	t.Cleanup(a.Close)
	return a
}

// createEntry returns the printed recovery code.
func (h *harness) createEntry(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	a := h.actor(t)
	meta, err := h.recovery.CreateEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(pw))
	require.NoError(t, err)
	assert.Equal(t, testutil.Alice, meta.UserID)

	data, ok, err := h.recovery.GetRecoveryDataFromSession(ctx, a, h.plugin.ID())
	require.NoError(t, err)
	require.True(t, ok)
	return data.Code.Expose()
}

func TestRecoverAndChangeCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	code := h.createEntry(t)

	// The user has forgotten the password and starts a new session.
	a := h.actor(t)
	recovered, err := h.recovery.RecoverEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(code))
	require.NoError(t, err)
	assert.Equal(t, pw, recovered.Expose())

	newSecret := crypto.HiddenString("battery staple")
	require.NoError(t, h.plugin.ChangeAuthenticationInformation(ctx, testutil.Alice, recovered, newSecret))

	require.NoError(t, h.plugin.Authenticate(ctx, a, crypto.HiddenString("battery staple")))
	err = h.plugin.Authenticate(ctx, h.actor(t), crypto.HiddenString(pw))
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestRecoveryDataIsOneShot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	a := h.actor(t)

	_, err := h.recovery.CreateEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(pw))
	require.NoError(t, err)

	data, ok, err := h.recovery.GetRecoveryDataFromSession(ctx, a, h.plugin.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Regexp(t, `^([A-HJKMNP-Z2-9]{5}-){4}[A-HJKMNP-Z2-9]{5}$`, data.Code.Expose())

	_, ok, err = h.recovery.GetRecoveryDataFromSession(ctx, a, h.plugin.ID())
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := h.recovery.HasEntry(ctx, testutil.Alice, h.plugin.ID())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCreateEntryNeedsCurrentCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.recovery.CreateEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString("not the password"))
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	has, err := h.recovery.HasEntry(ctx, testutil.Alice, h.plugin.ID())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNewEntryReplacesOld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	first := h.createEntry(t)
	second := h.createEntry(t)
	require.NotEqual(t, first, second)

	_, err := h.recovery.RecoverEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString(first))
	assert.ErrorIs(t, err, models.ErrWrongRecoveryCode)

	_, err = h.recovery.RecoverEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString(second))
	assert.NoError(t, err)
}

func TestRecoverEntryErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	code := h.createEntry(t)

	t.Run("wrong code", func(t *testing.T) {
		_, err := h.recovery.RecoverEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString("AAAAA-AAAAA-AAAAA-AAAAA-AAAAA"))
		assert.ErrorIs(t, err, models.ErrWrongRecoveryCode)
		assert.Equal(t, "wrong recovery code", models.PublicMessage(err))
	})

	t.Run("code typed loosely", func(t *testing.T) {
		loose := strings.ToLower(strings.ReplaceAll(code, "-", " "))
		info, err := h.recovery.RecoverEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString(loose))
		require.NoError(t, err)
		assert.Equal(t, pw, info.Expose())
	})

	t.Run("no entry", func(t *testing.T) {
		_, err := h.recovery.RecoverEntry(ctx, auth.NewActor(testutil.Bob, h.env.NewSession()), h.plugin.ID(), crypto.HiddenString(code))
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("tampered entry", func(t *testing.T) {
		e, err := h.env.Store.GetRecoveryEntry(ctx, testutil.Alice, h.plugin.ID())
		require.NoError(t, err)
		e.EncryptedAuthInformation[0] ^= 0x80
		require.NoError(t, h.env.Store.ReplaceRecoveryEntry(ctx, e))

		_, err = h.recovery.RecoverEntry(ctx, h.actor(t), h.plugin.ID(), crypto.HiddenString(code))
		assert.ErrorIs(t, err, models.ErrIntegrity)
		assert.Equal(t, "cannot access", models.PublicMessage(err))
	})
}

func TestDeleteEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.createEntry(t)

	require.NoError(t, h.recovery.DeleteEntry(ctx, testutil.Alice, h.plugin.ID()))
	has, err := h.recovery.HasEntry(ctx, testutil.Alice, h.plugin.ID())
	require.NoError(t, err)
	assert.False(t, has)

	err = h.recovery.DeleteEntry(ctx, testutil.Alice, h.plugin.ID())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecoveryToken(t *testing.T) {
	ctx := context.Background()

	t.Run("required before recovery", func(t *testing.T) {
		h := newHarness(t, true)
		code := h.createEntry(t)
		a := h.actor(t)

		_, err := h.recovery.RecoverEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(code))
		assert.ErrorIs(t, err, models.ErrPolicy)

		require.NoError(t, h.recovery.SendToken(ctx, a, h.plugin.ID()))
		require.Len(t, h.sender.sent, 1)
		assert.Equal(t, "alice@example.com", h.sender.sent[0].recipient)

		require.NoError(t, h.recovery.ConfirmToken(ctx, a, h.plugin.ID(), h.sender.token(t)))
		info, err := h.recovery.RecoverEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(code))
		require.NoError(t, err)
		assert.Equal(t, pw, info.Expose())

		_, err = h.recovery.RecoverEntry(ctx, a, h.plugin.ID(), crypto.HiddenString(code))
		assert.ErrorIs(t, err, models.ErrPolicy, "a confirmed token is good for one recovery")
	})

	t.Run("wrong token", func(t *testing.T) {
		h := newHarness(t, true)
		h.createEntry(t)
		a := h.actor(t)

		require.NoError(t, h.recovery.SendToken(ctx, a, h.plugin.ID()))
		err := h.recovery.ConfirmToken(ctx, a, h.plugin.ID(), "not-a-token")
		assert.ErrorIs(t, err, models.ErrWrongRecoveryCode)

		err = h.recovery.ConfirmToken(ctx, a, h.plugin.ID(), h.sender.token(t))
		assert.ErrorIs(t, err, models.ErrPolicy, "a token is consumed by any attempt")
	})

	t.Run("expired token", func(t *testing.T) {
		h := newHarness(t, true)
		h.createEntry(t)
		a := h.actor(t)

		require.NoError(t, h.recovery.SendToken(ctx, a, h.plugin.ID()))
		h.now = h.now.Add(16 * time.Minute)
		err := h.recovery.ConfirmToken(ctx, a, h.plugin.ID(), h.sender.token(t))
		assert.ErrorIs(t, err, models.ErrPolicy)
	})

	t.Run("no entry", func(t *testing.T) {
		h := newHarness(t, true)
		err := h.recovery.SendToken(ctx, h.actor(t), h.plugin.ID())
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.Empty(t, h.sender.sent)
	})

	t.Run("send failure", func(t *testing.T) {
		h := newHarness(t, true)
		h.createEntry(t)
		h.sender.err = errors.New("smtp down")

		err := h.recovery.SendToken(ctx, h.actor(t), h.plugin.ID())
		assert.ErrorIs(t, err, models.ErrNotifyFailed)
		assert.Equal(t, "could not send notification", models.PublicMessage(err))
	})
}

func TestCodeFormatting(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ABCDEFGHJKMNPQRSTUVWXYZ23", "ABCDE-FGHJK-MNPQR-STUVW-XYZ23"},
		{"ABC", "ABC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recovery.FormatCode(crypto.HiddenString(tt.in)))
	}

	assert.Equal(t, "ABCDEFGHJK", recovery.NormalizeCode(crypto.HiddenString(" abcde-fghjk\n")).Expose())
}
