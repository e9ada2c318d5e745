package passwords_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/passwords"
	"github.com/TheMichaelB/tresor/internal/services/totp"
	"github.com/TheMichaelB/tresor/test/testutil"
)

const (
	pw      = "correcthorse"
	keyfile = "0123456789abcdef0123456789abcdef"
)

type harness struct {
	env       *testutil.Env
	auth      *auth.Service
	actors    *actors.Service
	passwords *passwords.Service
	pw        *auth.Plugin
	kf        *auth.Plugin
	basic     *auth.SecurityClass
	strong    *auth.SecurityClass
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	env := testutil.NewEnv(t)

	authSvc := auth.NewService(auth.Deps{
		Store:    env.Store,
		Suite:    env.Suite,
		Keys:     env.Keys,
		Verifier: env.Verifier,
		Registry: auth.DefaultRegistry(config.AuthConfig{MinPasswordLength: 8, MinKeyfileBytes: 16}, totp.NewService("", 1)),
		Metrics:  env.Metrics,
		Logger:   env.Logger,
	})
	pwPlugin, err := authSvc.CreatePlugin(ctx, &models.AuthPlugin{Title: "password", Kind: auth.KindPassword})
	require.NoError(t, err)
	kfPlugin, err := authSvc.CreatePlugin(ctx, &models.AuthPlugin{Title: "keyfile", Kind: auth.KindKeyfile})
	require.NoError(t, err)
	basic, err := authSvc.CreateSecurityClass(ctx, &models.SecurityClass{Title: "basic", PluginIDs: []int64{pwPlugin.ID()}})
	require.NoError(t, err)
	strong, err := authSvc.CreateSecurityClass(ctx, &models.SecurityClass{Title: "strong", PluginIDs: []int64{pwPlugin.ID(), kfPlugin.ID()}})
	require.NoError(t, err)

	for _, u := range []int64{testutil.Alice, testutil.Bob, testutil.Carol, testutil.Dave} {
		_, err := pwPlugin.Register(ctx, u, crypto.HiddenString(pw))
		require.NoError(t, err)
		_, err = kfPlugin.Register(ctx, u, crypto.HiddenString(keyfile))
		require.NoError(t, err)
	}

	actorSvc := actors.NewService(actors.Deps{
		Store:     env.Store,
		Suite:     env.Suite,
		Verifier:  env.Verifier,
		Auth:      authSvc,
		Directory: env.Directory,
		Logger:    env.Logger,
	})

	return &harness{
		env:    env,
		auth:   authSvc,
		actors: actorSvc,
		passwords: passwords.NewService(passwords.Deps{
			Store:     env.Store,
			Suite:     env.Suite,
			Verifier:  env.Verifier,
			Auth:      authSvc,
			Actors:    actorSvc,
			Directory: env.Directory,
			Logger:    env.Logger,
		}),
		pw:     pwPlugin,
		kf:     kfPlugin,
		basic:  basic,
		strong: strong,
	}
}

// login authenticates the given plugins for a fresh actor.
func (h *harness) login(t *testing.T, userID int64, plugins ...*auth.Plugin) *auth.Actor {
	t.Helper()
	actor := auth.NewActor(userID, h.env.NewSession())
	t.Cleanup(actor.Close)
	for _, p := range plugins {
		info := pw
		if p.Kind() == auth.KindKeyfile {
			info = keyfile
		}
		require.NoError(t, p.Authenticate(context.Background(), actor, crypto.HiddenString(info)))
	}
	return actor
}

func (h *harness) create(t *testing.T, actor *auth.Actor, class *auth.SecurityClass, secret string, shareWith ...int64) *models.Password {
	t.Helper()
	p, err := h.passwords.Create(context.Background(), actor, &passwords.CreateRequest{
		OwnerID:         actor.UserID,
		OwnerType:       models.OwnerUser,
		SecurityClassID: class.ID(),
		Title:           "mail",
		DataType:        "password",
		Payload:         crypto.HiddenString(secret),
		ShareWith:       shareWith,
	})
	require.NoError(t, err)
	return p
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)

	p := h.create(t, alice, h.basic, "s3cret")
	assert.NotZero(t, p.ID)
	assert.NotContains(t, string(p.EncryptedPayload), "s3cret")

	got, payload, err := h.passwords.Get(ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", payload.Expose())
	assert.Equal(t, "mail", got.Title)

	bob := h.login(t, testutil.Bob, h.pw)
	_, _, err = h.passwords.Get(ctx, bob, p.ID)
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	_, _, err = h.passwords.Get(ctx, alice, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)

	tests := []struct {
		name string
		req  *passwords.CreateRequest
		want error
	}{
		{
			name: "missing title",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Alice, OwnerType: models.OwnerUser, SecurityClassID: h.basic.ID(),
				DataType: "password", Payload: crypto.HiddenString("x"),
			},
			want: models.ErrPolicy,
		},
		{
			name: "unknown owner type",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Alice, OwnerType: "team", SecurityClassID: h.basic.ID(),
				Title: "t", DataType: "password", Payload: crypto.HiddenString("x"),
			},
			want: models.ErrPolicy,
		},
		{
			name: "unknown MAC field",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Alice, OwnerType: models.OwnerUser, SecurityClassID: h.basic.ID(),
				Title: "t", DataType: "password", Payload: crypto.HiddenString("x"),
				MACFields: []string{"colour"},
			},
			want: models.ErrPolicy,
		},
		{
			name: "someone else's password",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Bob, OwnerType: models.OwnerUser, SecurityClassID: h.basic.ID(),
				Title: "t", DataType: "password", Payload: crypto.HiddenString("x"),
			},
			want: models.ErrAccessDenied,
		},
		{
			name: "class not satisfied",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Alice, OwnerType: models.OwnerUser, SecurityClassID: h.strong.ID(),
				Title: "t", DataType: "password", Payload: crypto.HiddenString("x"),
			},
			want: models.ErrNotAuthenticated,
		},
		{
			name: "group without key pair",
			req: &passwords.CreateRequest{
				OwnerID: testutil.Ops, OwnerType: models.OwnerGroup, SecurityClassID: h.basic.ID(),
				Title: "t", DataType: "password", Payload: crypto.HiddenString("x"),
			},
			want: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.passwords.Create(ctx, alice, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSecurityClassGatesAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	owner := h.login(t, testutil.Alice, h.pw, h.kf)
	p := h.create(t, owner, h.strong, "two factors")

	later := h.login(t, testutil.Alice, h.pw)
	ok, err := h.strong.IsAuthenticated(ctx, later)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, err = h.passwords.Get(ctx, later, p.ID)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	require.NoError(t, h.kf.Authenticate(ctx, later, crypto.HiddenString(keyfile)))
	ok, err = h.strong.IsAuthenticated(ctx, later)
	require.NoError(t, err)
	assert.True(t, ok)

	_, payload, err := h.passwords.Get(ctx, later, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "two factors", payload.Expose())
}

func TestShareAndUnshareUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	bob := h.login(t, testutil.Bob, h.pw)

	p := h.create(t, alice, h.basic, "shared")
	before, err := h.env.Store.GetPassword(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, h.passwords.ShareWithUser(ctx, alice, p.ID, testutil.Bob))
	_, payload, err := h.passwords.Get(ctx, bob, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", payload.Expose())

	after, err := h.env.Store.GetPassword(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before.EncryptedPayload, after.EncryptedPayload, "sharing must not re-encrypt the payload")

	entries, err := h.passwords.List(ctx, bob)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, p.ID, entries[0].PasswordID)

	err = h.passwords.ShareWithUser(ctx, bob, p.ID, testutil.Carol)
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	err = h.passwords.UnshareUser(ctx, alice, p.ID, testutil.Alice)
	assert.ErrorIs(t, err, models.ErrPolicy)

	require.NoError(t, h.passwords.UnshareUser(ctx, alice, p.ID, testutil.Bob))
	_, _, err = h.passwords.Get(ctx, bob, p.ID)
	assert.ErrorIs(t, err, models.ErrAccessDenied)
}

func TestCreateSharedWith(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)

	p := h.create(t, alice, h.basic, "team", testutil.Bob, testutil.Carol, testutil.Bob)

	rows, err := h.env.Store.ListPasswordUserAccess(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	carol := h.login(t, testutil.Carol, h.pw)
	_, payload, err := h.passwords.Get(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", payload.Expose())
}

func TestGroupPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.actors.CreateGroup(ctx, actors.CreateGroupRequest{
		GroupID:           testutil.Ops,
		MembershipClassID: h.basic.ID(),
		Threshold:         2,
	})
	require.NoError(t, err)

	alice := h.login(t, testutil.Alice, h.pw)
	bob := h.login(t, testutil.Bob, h.pw)

	p, err := h.passwords.Create(ctx, alice, &passwords.CreateRequest{
		OwnerID:         testutil.Ops,
		OwnerType:       models.OwnerGroup,
		SecurityClassID: h.basic.ID(),
		Title:           "router",
		DataType:        "password",
		Payload:         crypto.HiddenString("admin123"),
	})
	require.NoError(t, err)

	t.Run("one member is not enough", func(t *testing.T) {
		_, _, err := h.passwords.Get(ctx, alice, p.ID)
		assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	})

	t.Run("two members open it", func(t *testing.T) {
		_, payload, err := h.passwords.Get(ctx, alice, p.ID, h.actors.User(bob))
		require.NoError(t, err)
		assert.Equal(t, "admin123", payload.Expose())
	})

	t.Run("non-member is denied", func(t *testing.T) {
		dave := h.login(t, testutil.Dave, h.pw)
		_, _, err := h.passwords.Get(ctx, dave, p.ID, h.actors.User(bob))
		assert.ErrorIs(t, err, models.ErrAccessDenied)
	})

	t.Run("listed for every member", func(t *testing.T) {
		carol := h.login(t, testutil.Carol, h.pw)
		entries, err := h.passwords.List(ctx, carol)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.OwnerGroup, entries[0].ActorType)
	})

	t.Run("owning group cannot be removed", func(t *testing.T) {
		err := h.passwords.UnshareGroup(ctx, alice, p.ID, testutil.Ops)
		assert.ErrorIs(t, err, models.ErrPolicy)
	})
}

func TestShareWithGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.actors.CreateGroup(ctx, actors.CreateGroupRequest{
		GroupID:           testutil.Ops,
		MembershipClassID: h.basic.ID(),
	})
	require.NoError(t, err)

	dave := h.login(t, testutil.Dave, h.pw)
	p := h.create(t, dave, h.basic, "vpn")

	require.NoError(t, h.passwords.ShareWithGroup(ctx, dave, p.ID, testutil.Ops))

	carol := h.login(t, testutil.Carol, h.pw)
	_, payload, err := h.passwords.Get(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "vpn", payload.Expose())

	require.NoError(t, h.passwords.UnshareGroup(ctx, dave, p.ID, testutil.Ops))
	_, _, err = h.passwords.Get(ctx, carol, p.ID)
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	_, _, err = h.passwords.Get(ctx, dave, p.ID)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	p := h.create(t, alice, h.basic, "old")

	title := "mail (work)"
	_, err := h.passwords.Update(ctx, alice, p.ID, &passwords.UpdateRequest{
		Title:   &title,
		Payload: crypto.HiddenString("new"),
	})
	require.NoError(t, err)

	got, payload, err := h.passwords.Get(ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", payload.Expose())
	assert.Equal(t, title, got.Title)

	entries, err := h.passwords.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, title, entries[0].Title)
}

func TestTamperedPasswordIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	p := h.create(t, alice, h.basic, "payload")

	row, err := h.env.Store.GetPassword(ctx, p.ID)
	require.NoError(t, err)
	row.EncryptedPayload[0] ^= 0x01
	require.NoError(t, h.env.Store.UpdatePassword(ctx, row))

	_, _, err = h.passwords.Get(ctx, alice, p.ID)
	assert.ErrorIs(t, err, models.ErrIntegrity)
	assert.Contains(t, h.env.Log.String(), `"level":"critical"`)
}

func TestTamperedAccessRowIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	p := h.create(t, alice, h.basic, "payload")

	a, err := h.env.Store.GetUserAccess(ctx, p.ID, testutil.Alice)
	require.NoError(t, err)
	a.UserID = testutil.Bob
	require.NoError(t, h.env.Store.PutUserAccess(ctx, a))

	bob := h.login(t, testutil.Bob, h.pw)
	_, _, err = h.passwords.Get(ctx, bob, p.ID)
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	bob := h.login(t, testutil.Bob, h.pw)
	p := h.create(t, alice, h.basic, "gone", testutil.Bob)

	err := h.passwords.Delete(ctx, bob, p.ID)
	assert.ErrorIs(t, err, models.ErrAccessDenied)

	require.NoError(t, h.passwords.Delete(ctx, alice, p.ID))

	_, err = h.env.Store.GetPassword(ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	rows, err := h.env.Store.ListPasswordUserAccess(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	for _, u := range []*auth.Actor{alice, bob} {
		entries, err := h.passwords.List(ctx, u)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestChangesRequireSecurityClass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.actors.CreateGroup(ctx, actors.CreateGroupRequest{
		GroupID:           testutil.Ops,
		MembershipClassID: h.basic.ID(),
		SecurityClassIDs:  []int64{h.basic.ID(), h.strong.ID()},
	})
	require.NoError(t, err)

	owner := h.login(t, testutil.Alice, h.pw, h.kf)
	p := h.create(t, owner, h.strong, "keep me", testutil.Bob)
	require.NoError(t, h.passwords.ShareWithGroup(ctx, owner, p.ID, testutil.Ops))

	tests := []struct {
		name string
		run  func(actor *auth.Actor) error
	}{
		{"delete", func(a *auth.Actor) error { return h.passwords.Delete(ctx, a, p.ID) }},
		{"unshare user", func(a *auth.Actor) error { return h.passwords.UnshareUser(ctx, a, p.ID, testutil.Bob) }},
		{"unshare group", func(a *auth.Actor) error { return h.passwords.UnshareGroup(ctx, a, p.ID, testutil.Ops) }},
	}

	for _, tt := range tests {
		t.Run(tt.name+" without session", func(t *testing.T) {
			anonymous := h.login(t, testutil.Alice)
			assert.ErrorIs(t, tt.run(anonymous), models.ErrNotAuthenticated)
		})
		t.Run(tt.name+" with one factor", func(t *testing.T) {
			partial := h.login(t, testutil.Alice, h.pw)
			assert.ErrorIs(t, tt.run(partial), models.ErrNotAuthenticated)
		})
	}

	rows, err := h.env.Store.ListPasswordUserAccess(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	groups, err := h.env.Store.ListPasswordGroupAccess(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	bob := h.login(t, testutil.Bob, h.pw, h.kf)
	_, payload, err := h.passwords.Get(ctx, bob, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep me", payload.Expose())
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	h.create(t, alice, h.basic, "a", testutil.Bob)
	h.create(t, alice, h.basic, "b")

	n, err := h.passwords.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := h.passwords.List(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReencryptAllAfterRotation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice, h.pw)
	first := h.create(t, alice, h.basic, "one", testutil.Bob)
	second := h.create(t, alice, h.basic, "two", testutil.Bob)

	bob := h.login(t, testutil.Bob, h.pw)
	_, err := h.pw.RotateKeyPair(ctx, bob, crypto.HiddenString(pw))
	require.NoError(t, err)

	report, err := h.passwords.ReencryptAll(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rewrapped)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Failed)

	again, err := h.passwords.ReencryptAll(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, again.Rewrapped)
	assert.Equal(t, 2, again.Skipped)

	require.NoError(t, h.pw.ClearRetiredKeyPair(ctx, testutil.Bob))

	fresh := h.login(t, testutil.Bob, h.pw)
	for id, want := range map[int64]string{first.ID: "one", second.ID: "two"} {
		_, payload, err := h.passwords.Get(ctx, fresh, id)
		require.NoError(t, err)
		assert.Equal(t, want, payload.Expose())
	}
}

func TestReencryptAllReportsLockedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	owner := h.login(t, testutil.Alice, h.pw, h.kf)
	h.create(t, owner, h.basic, "basic")
	h.create(t, owner, h.strong, "strong")

	actor := h.login(t, testutil.Alice, h.pw)
	_, err := h.pw.RotateKeyPair(ctx, actor, crypto.HiddenString(pw))
	require.NoError(t, err)

	report, err := h.passwords.ReencryptAll(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rewrapped)
	assert.Len(t, report.Failed, 1)
}
