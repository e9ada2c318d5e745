package links_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/services/links"
	"github.com/TheMichaelB/tresor/internal/services/passwords"
	"github.com/TheMichaelB/tresor/internal/services/totp"
	"github.com/TheMichaelB/tresor/test/testutil"
)

const pw = "correcthorse"

type harness struct {
	env       *testutil.Env
	plugin    *auth.Plugin
	class     *auth.SecurityClass
	passwords *passwords.Service
	links     *links.Service
	now       time.Time
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
		Registry: auth.DefaultRegistry(config.AuthConfig{MinPasswordLength: 8}, totp.NewService("", 1)),
		Metrics:  env.Metrics,
		Logger:   env.Logger,
	})
	p, err := authSvc.CreatePlugin(ctx, &models.AuthPlugin{Title: "password", Kind: auth.KindPassword})
	require.NoError(t, err)
	sc, err := authSvc.CreateSecurityClass(ctx, &models.SecurityClass{Title: "basic", PluginIDs: []int64{p.ID()}})
	require.NoError(t, err)
	for _, u := range []int64{testutil.Alice, testutil.Bob} {
		_, err := p.Register(ctx, u, crypto.HiddenString(pw))
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
	pwSvc := passwords.NewService(passwords.Deps{
		Store:     env.Store,
		Suite:     env.Suite,
		Verifier:  env.Verifier,
		Auth:      authSvc,
		Actors:    actorSvc,
		Directory: env.Directory,
		Logger:    env.Logger,
	})

	h := &harness{
		env:       env,
		plugin:    p,
		class:     sc,
		passwords: pwSvc,
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.links = links.NewService(links.Deps{
		Store:     env.Store,
		Suite:     env.Suite,
		Keys:      env.Keys,
		Verifier:  env.Verifier,
		Passwords: pwSvc,
		Config: config.LinksConfig{
			BaseURL:     "https://vault.example.com/",
			MaxCalls:    10,
			MaxLifetime: 7 * 24 * time.Hour,
		},
		Metrics: env.Metrics,
		Logger:  env.Logger,
		Now:     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) login(t *testing.T, userID int64) *auth.Actor {
	t.Helper()
	a := auth.NewActor(userID, h.env.NewSession())
	t.Cleanup(a.Close)
	require.NoError(t, h.plugin.Authenticate(context.Background(), a, crypto.HiddenString(pw)))
	return a
}

func (h *harness) secret(t *testing.T, owner *auth.Actor, shareWith ...int64) *models.Password {
	t.Helper()
	p, err := h.passwords.Create(context.Background(), owner, &passwords.CreateRequest{
		OwnerID:         owner.UserID,
		OwnerType:       models.OwnerUser,
		SecurityClassID: h.class.ID(),
		Title:           "wifi",
		DataType:        "password",
		Payload:         crypto.HiddenString("hunter22"),
		ShareWith:       shareWith,
	})
	require.NoError(t, err)
	return p
}

func TestCreateRequiresLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	tests := []struct {
		name string
		req  links.CreateRequest
	}{
		{"no limit", links.CreateRequest{PasswordID: p.ID}},
		{"negative calls", links.CreateRequest{PasswordID: p.ID, MaxCalls: -1, TTL: time.Hour}},
		{"too many calls", links.CreateRequest{PasswordID: p.ID, MaxCalls: 11}},
		{"too long", links.CreateRequest{PasswordID: p.ID, TTL: 30 * 24 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.links.Create(ctx, alice, tt.req)
			assert.ErrorIs(t, err, models.ErrPolicy)
		})
	}
}

func TestCreateAndAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 2})
	require.NoError(t, err)
	assert.Len(t, created.Link.ID, 26)
	assert.Equal(t, "https://vault.example.com/links/"+created.Link.ID+"/"+created.Token, created.URL)
	assert.NotContains(t, string(created.Link.TokenHash), created.Token)

	for i := 0; i < 2; i++ {
		got, payload, err := h.links.Access(ctx, created.Link.ID, created.Token, nil)
		require.NoError(t, err)
		assert.Equal(t, "hunter22", payload.Expose())
		assert.Equal(t, "wifi", got.Title)
	}

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrPolicy)
}

func TestLinkExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, TTL: time.Hour})
	require.NoError(t, err)

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Hour)
	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrPolicy)
}

func TestWrongTokenDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 1})
	require.NoError(t, err)

	for _, token := range []string{"", "not base64!", "AAAA"} {
		_, _, err := h.links.Access(ctx, created.Link.ID, token, nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	}
	_, _, err = h.links.Access(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", created.Token, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	stored, err := h.env.Store.GetLink(ctx, created.Link.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Calls)

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.NoError(t, err)
}

func TestAccessPassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{
		PasswordID:     p.ID,
		MaxCalls:       5,
		AccessPassword: crypto.HiddenString("open sesame"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Link.AccessParams)

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrDecryptionFailed)

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, crypto.HiddenString("open says me"))
	assert.ErrorIs(t, err, models.ErrDecryptionFailed)
	assert.Equal(t, "wrong password or code", models.PublicMessage(err))

	_, payload, err := h.links.Access(ctx, created.Link.ID, created.Token, crypto.HiddenString("open sesame"))
	require.NoError(t, err)
	assert.Equal(t, "hunter22", payload.Expose())

	stored, err := h.env.Store.GetLink(ctx, created.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Calls, "failed attempts count against the limit")
}

func TestOnlyOwnerCreatesLinks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	bob := h.login(t, testutil.Bob)
	p := h.secret(t, alice, testutil.Bob)

	_, err := h.links.Create(ctx, bob, links.CreateRequest{PasswordID: p.ID, MaxCalls: 1})
	assert.ErrorIs(t, err, models.ErrAccessDenied)
}

func TestTamperedLinkIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 1})
	require.NoError(t, err)

	stored, err := h.env.Store.GetLink(ctx, created.Link.ID)
	require.NoError(t, err)
	require.NoError(t, h.env.Store.DeleteLink(ctx, stored.ID))
	stored.MaxCalls = 1000
	require.NoError(t, h.env.Store.CreateLink(ctx, stored))

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrIntegrity)

	assert.ErrorIs(t, h.links.Delete(ctx, alice, created.Link.ID), models.ErrIntegrity)
	_, err = h.env.Store.GetLink(ctx, created.Link.ID)
	assert.NoError(t, err, "a tampered link stays for inspection")
}

func TestLinkIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	var prev string
	for i := 0; i < 5; i++ {
		created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 1})
		require.NoError(t, err)
		require.Len(t, created.Link.ID, 26)
		assert.Greater(t, created.Link.ID, prev)
		prev = created.Link.ID
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	bob := h.login(t, testutil.Bob)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 3})
	require.NoError(t, err)

	mine, err := h.links.List(ctx, alice, p.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	theirs, err := h.links.List(ctx, bob, p.ID)
	require.NoError(t, err)
	assert.Empty(t, theirs)

	assert.ErrorIs(t, h.links.Delete(ctx, bob, created.Link.ID), models.ErrAccessDenied)
	require.NoError(t, h.links.Delete(ctx, alice, created.Link.ID))

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeletingPasswordRemovesLinks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	created, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 3})
	require.NoError(t, err)
	require.NoError(t, h.passwords.Delete(ctx, alice, p.ID))

	_, _, err = h.links.Access(ctx, created.Link.ID, created.Token, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHandler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.login(t, testutil.Alice)
	p := h.secret(t, alice)

	plain, err := h.links.Create(ctx, alice, links.CreateRequest{PasswordID: p.ID, MaxCalls: 1})
	require.NoError(t, err)
	guarded, err := h.links.Create(ctx, alice, links.CreateRequest{
		PasswordID:     p.ID,
		TTL:            time.Hour,
		AccessPassword: crypto.HiddenString("open sesame"),
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/links", links.NewHandler(h.links).Routes())

	tests := []struct {
		name     string
		method   string
		path     string
		password string
		status   int
		code     string
	}{
		{"plain link", http.MethodGet, "/links/" + plain.Link.ID + "/" + plain.Token, "", http.StatusOK, ""},
		{"plain link used up", http.MethodGet, "/links/" + plain.Link.ID + "/" + plain.Token, "", http.StatusGone, models.ErrCodePolicy},
		{"unknown link", http.MethodGet, "/links/nope/" + plain.Token, "", http.StatusNotFound, models.ErrCodeNotFound},
		{"password ignored on GET", http.MethodGet, "/links/" + guarded.Link.ID + "/" + guarded.Token, "open sesame", http.StatusUnauthorized, models.ErrCodeDecryption},
		{"wrong password", http.MethodPost, "/links/" + guarded.Link.ID + "/" + guarded.Token, "nope", http.StatusUnauthorized, models.ErrCodeDecryption},
		{"right password", http.MethodPost, "/links/" + guarded.Link.ID + "/" + guarded.Token, "open sesame", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.password != "" {
				req.Header.Set(links.AccessPasswordHeader, tt.password)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var body struct {
				Data  *links.PasswordResponse `json:"data"`
				Error *struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.code == "" {
				require.NotNil(t, body.Data)
				assert.Equal(t, "hunter22", body.Data.Payload)
				assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
				return
			}
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotContains(t, body.Error.Message, "hunter22")
		})
	}
}
