package store_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/config"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/store"
)

func TestSQLiteStore(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	s, err := store.NewSQLStore(context.Background(), config.DatabaseConfig{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "tresor.db"),
	}, logger)
	require.NoError(t, err)
	defer s.Close()

	testStoreOperations(t, s)
}

func TestMemoryStore(t *testing.T) {
	testStoreOperations(t, store.NewMemoryStore())
}

func TestSQLStoreReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "tresor.db")}

	s, err := store.NewSQLStore(ctx, cfg, events.Discard())
	require.NoError(t, err)
	p := &models.AuthPlugin{Title: "Password", Kind: "password"}
	require.NoError(t, s.CreateAuthPlugin(ctx, p))
	require.NoError(t, s.Close())

	s, err = store.NewSQLStore(ctx, cfg, events.Discard())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetAuthPlugin(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Password", got.Title)
}

func TestSQLStoreUnknownDriver(t *testing.T) {
	_, err := store.NewSQLStore(context.Background(), config.DatabaseConfig{Driver: "mysql"}, events.Discard())
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

type fixture struct {
	password, keyfile *models.AuthPlugin
	high, low         *models.SecurityClass
}

func setup(t *testing.T, s store.Store) fixture {
	ctx := context.Background()
	f := fixture{
		password: &models.AuthPlugin{Title: "Password", Kind: "password"},
		keyfile:  &models.AuthPlugin{Title: "Keyfile", Kind: "keyfile"},
	}
	require.NoError(t, s.CreateAuthPlugin(ctx, f.password))
	require.NoError(t, s.CreateAuthPlugin(ctx, f.keyfile))

	f.high = &models.SecurityClass{Title: "High", PluginIDs: []int64{f.password.ID, f.keyfile.ID}}
	f.low = &models.SecurityClass{Title: "Low", PluginIDs: []int64{f.password.ID}}
	require.NoError(t, s.CreateSecurityClass(ctx, f.high))
	require.NoError(t, s.CreateSecurityClass(ctx, f.low))
	return f
}

func keyPair(userID, pluginID int64) *models.AuthKeyPair {
	return &models.AuthKeyPair{
		UserID:              userID,
		PluginID:            pluginID,
		PublicKey:           []byte("public"),
		EncryptedPrivateKey: []byte("private"),
		KDFParams:           []byte("params"),
		MAC:                 []byte("mac"),
	}
}

func newPassword(s store.Store, t *testing.T, f fixture, owner int64, users ...int64) *models.Password {
	p := &models.Password{
		OwnerID:          owner,
		OwnerType:        models.OwnerUser,
		SecurityClassID:  f.low.ID,
		Title:            "mail",
		DataType:         "text",
		EncryptedPayload: []byte("ciphertext"),
		MACFieldNames:    models.DefaultPasswordMACFields,
		MAC:              []byte("mac"),
	}
	err := s.CreatePassword(context.Background(), p, func(id int64) (*store.PasswordAccess, error) {
		access := &store.PasswordAccess{}
		for _, u := range users {
			access.Users = append(access.Users, &models.PasswordUserAccess{
				PasswordID: id, UserID: u, EncryptedKey: []byte("wrapped"), KeyRefs: "k1", MAC: []byte("mac"),
			})
		}
		return access, nil
	})
	require.NoError(t, err)
	return p
}

func testStoreOperations(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := setup(t, s)

	t.Run("plugins", func(t *testing.T) {
		plugins, err := s.ListAuthPlugins(ctx)
		require.NoError(t, err)
		require.Len(t, plugins, 2)
		assert.Equal(t, "password", plugins[0].Kind)
		assert.False(t, plugins[0].CreatedAt.IsZero())

		_, err = s.GetAuthPlugin(ctx, 9999)
		assert.ErrorIs(t, err, models.ErrNotFound)

		err = s.DeleteAuthPlugin(ctx, f.keyfile.ID)
		assert.ErrorIs(t, err, models.ErrPolicy)
	})

	t.Run("security class keeps plugin order", func(t *testing.T) {
		c, err := s.GetSecurityClass(ctx, f.high.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{f.password.ID, f.keyfile.ID}, c.PluginIDs)

		classes, err := s.ListSecurityClasses(ctx)
		require.NoError(t, err)
		require.Len(t, classes, 2)
		assert.Equal(t, []int64{f.password.ID}, classes[1].PluginIDs)

		err = s.CreateSecurityClass(ctx, &models.SecurityClass{Title: "bad", PluginIDs: []int64{9999}})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("auth key pairs", func(t *testing.T) {
		k := keyPair(1, f.password.ID)
		require.NoError(t, s.CreateAuthKeyPair(ctx, k))
		assert.NotZero(t, k.ID)

		err := s.CreateAuthKeyPair(ctx, keyPair(1, f.password.ID))
		assert.ErrorIs(t, err, models.ErrAlreadyRegistered)

		got, err := s.GetAuthKeyPair(ctx, 1, f.password.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("public"), got.PublicKey)
		assert.Nil(t, got.RetiredPublicKey)

		got.PublicKey = []byte("public-2")
		got.RetiredPublicKey = []byte("public")
		got.MAC = []byte("mac-2")
		require.NoError(t, s.UpdateAuthKeyPair(ctx, got))

		byID, err := s.GetAuthKeyPairByID(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("public-2"), byID.PublicKey)
		assert.Equal(t, []byte("public"), byID.RetiredPublicKey)
		assert.Equal(t, []byte("mac-2"), byID.MAC)

		require.NoError(t, s.CreateAuthKeyPair(ctx, keyPair(1, f.keyfile.ID)))
		pairs, err := s.ListAuthKeyPairs(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, pairs, 2)

		_, err = s.GetAuthKeyPair(ctx, 2, f.password.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("groups and shares", func(t *testing.T) {
		g := &models.CryptoGroup{GroupID: 100, MembershipClassID: f.high.ID, Threshold: 2, NextShareIndex: 2, MAC: []byte("g")}
		kp := &models.GroupKeyPair{GroupID: 100, SecurityClassID: f.low.ID, PublicKey: []byte("gp"), EncryptedPrivateKey: []byte("gs"), MAC: []byte("m")}
		shares := []*models.GroupShare{
			{GroupID: 100, UserID: 1, AuthKeyPairID: 1, KeyRef: "a", EncryptedShare: []byte("s0"), MAC: []byte("m")},
			{GroupID: 100, UserID: 1, AuthKeyPairID: 2, KeyRef: "b", EncryptedShare: []byte("s1"), MAC: []byte("m")},
		}
		require.NoError(t, s.CreateGroup(ctx, g, []*models.GroupKeyPair{kp}, shares))
		assert.NotZero(t, shares[0].ID)

		err := s.CreateGroup(ctx, &models.CryptoGroup{GroupID: 100, MembershipClassID: f.high.ID, MAC: []byte("g")}, nil, nil)
		assert.ErrorIs(t, err, models.ErrPolicy)

		_, err = s.GetGroupKeyPair(ctx, 100, f.high.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		g.NextShareIndex = 4
		added := []*models.GroupShare{
			{GroupID: 100, UserID: 2, AuthKeyPairID: 3, KeyRef: "c", EncryptedShare: []byte("s2"), MAC: []byte("m")},
			{GroupID: 100, UserID: 2, AuthKeyPairID: 4, KeyRef: "d", EncryptedShare: []byte("s3"), MAC: []byte("m")},
		}
		require.NoError(t, s.AddGroupShares(ctx, g, added))

		got, err := s.GetGroup(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 4, got.NextShareIndex)

		all, err := s.ListGroupShares(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		member, err := s.ListMemberShares(ctx, 100, 2)
		require.NoError(t, err)
		require.Len(t, member, 2)

		member[0].KeyRef = "c2"
		member[0].EncryptedShare = []byte("s2b")
		require.NoError(t, s.UpdateGroupShare(ctx, member[0]))
		member, err = s.ListMemberShares(ctx, 100, 2)
		require.NoError(t, err)
		assert.Equal(t, "c2", member[0].KeyRef)

		n, err := s.DeleteMemberShares(ctx, 100, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		g.Threshold = 1
		kp.PublicKey = []byte("gp-2")
		fresh := []*models.GroupShare{{GroupID: 100, UserID: 1, AuthKeyPairID: 1, KeyRef: "a", EncryptedShare: []byte("n0"), MAC: []byte("m")}}
		require.NoError(t, s.ReplaceGroupShares(ctx, g, []*models.GroupKeyPair{kp}, fresh))

		all, err = s.ListGroupShares(ctx, 100)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, []byte("n0"), all[0].EncryptedShare)

		pairs, err := s.ListGroupKeyPairs(ctx, 100)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		assert.Equal(t, []byte("gp-2"), pairs[0].PublicKey)

		userShares, err := s.ListUserShares(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, userShares, 1)

		err = s.DeleteSecurityClass(ctx, f.high.ID)
		assert.ErrorIs(t, err, models.ErrPolicy)
	})

	t.Run("passwords keep the index current", func(t *testing.T) {
		p := newPassword(s, t, f, 1, 1, 2)

		got, err := s.GetPassword(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DefaultPasswordMACFields, got.MACFieldNames)
		assert.Equal(t, models.OwnerUser, got.OwnerType)

		idx, err := s.ListIndex(ctx, models.OwnerUser, 2)
		require.NoError(t, err)
		require.Len(t, idx, 1)
		assert.Equal(t, "mail", idx[0].Title)

		got.Title = "webmail"
		require.NoError(t, s.UpdatePassword(ctx, got))
		idx, err = s.ListIndex(ctx, models.OwnerUser, 2)
		require.NoError(t, err)
		assert.Equal(t, "webmail", idx[0].Title)

		require.NoError(t, s.PutGroupAccess(ctx, &models.PasswordGroupAccess{
			PasswordID: p.ID, GroupID: 100, SecurityClassID: f.low.ID,
			EncryptedKey: []byte("wrapped"), KeyRef: "g", MAC: []byte("m"),
		}))
		idx, err = s.ListIndex(ctx, models.OwnerGroup, 100)
		require.NoError(t, err)
		assert.Len(t, idx, 1)

		require.NoError(t, s.DeleteUserAccess(ctx, p.ID, 2))
		idx, err = s.ListIndex(ctx, models.OwnerUser, 2)
		require.NoError(t, err)
		assert.Empty(t, idx)

		err = s.DeleteUserAccess(ctx, p.ID, 2)
		assert.ErrorIs(t, err, models.ErrNotFound)

		users, err := s.ListPasswordUserAccess(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, users, 1)

		groups, err := s.ListPasswordGroupAccess(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, groups, 1)

		n, err := s.RebuildIndex(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.DeletePassword(ctx, p.ID))
		_, err = s.GetPassword(ctx, p.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		groupAccess, err := s.ListGroupAccess(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, groupAccess)
		idx, err = s.ListIndex(ctx, models.OwnerUser, 1)
		require.NoError(t, err)
		assert.Empty(t, idx)
	})

	t.Run("failed builder leaves no password", func(t *testing.T) {
		before, err := s.ListIndex(ctx, models.OwnerUser, 7)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.CreatePassword(ctx, &models.Password{
			OwnerID: 7, OwnerType: models.OwnerUser, SecurityClassID: f.low.ID,
			Title: "x", DataType: "text", EncryptedPayload: []byte("c"), MAC: []byte("m"),
		}, func(id int64) (*store.PasswordAccess, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		after, err := s.ListIndex(ctx, models.OwnerUser, 7)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("recovery entries", func(t *testing.T) {
		e := &models.RecoveryEntry{UserID: 1, PluginID: f.password.ID, EncryptedAuthInformation: []byte("a"), Salt: []byte("s"), MAC: []byte("m")}
		require.NoError(t, s.ReplaceRecoveryEntry(ctx, e))

		e2 := &models.RecoveryEntry{UserID: 1, PluginID: f.password.ID, EncryptedAuthInformation: []byte("b"), Salt: []byte("t"), MAC: []byte("m")}
		require.NoError(t, s.ReplaceRecoveryEntry(ctx, e2))

		got, err := s.GetRecoveryEntry(ctx, 1, f.password.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got.EncryptedAuthInformation)

		require.NoError(t, s.DeleteRecoveryEntry(ctx, 1, f.password.ID))
		_, err = s.GetRecoveryEntry(ctx, 1, f.password.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("links", func(t *testing.T) {
		p := newPassword(s, t, f, 1, 1)
		now := time.Now().UTC().Truncate(time.Second)

		limited := &models.PasswordLink{ID: "limited", PasswordID: p.ID, CreatorID: 1, TokenHash: []byte("h"),
			EncryptedKey: []byte("k"), MaxCalls: 2, MAC: []byte("m")}
		expired := &models.PasswordLink{ID: "expired", PasswordID: p.ID, CreatorID: 1, TokenHash: []byte("h"),
			EncryptedKey: []byte("k"), ExpiresAt: now.Add(-time.Minute), MAC: []byte("m")}
		require.NoError(t, s.CreateLink(ctx, limited))
		require.NoError(t, s.CreateLink(ctx, expired))

		require.NoError(t, s.ConsumeLinkCall(ctx, "limited", now))
		require.NoError(t, s.ConsumeLinkCall(ctx, "limited", now))
		assert.ErrorIs(t, s.ConsumeLinkCall(ctx, "limited", now), store.ErrLinkExhausted)
		assert.ErrorIs(t, s.ConsumeLinkCall(ctx, "expired", now), store.ErrLinkExhausted)
		assert.ErrorIs(t, s.ConsumeLinkCall(ctx, "missing", now), models.ErrNotFound)

		got, err := s.GetLink(ctx, "limited")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Calls)
		assert.Equal(t, expired.ExpiresAt.Unix(), mustLink(t, s, "expired").ExpiresAt.Unix())

		links, err := s.ListLinks(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, links, 2)

		require.NoError(t, s.DeletePassword(ctx, p.ID))
		_, err = s.GetLink(ctx, "limited")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("concurrent link calls never exceed the limit", func(t *testing.T) {
		p := newPassword(s, t, f, 1, 1)
		require.NoError(t, s.CreateLink(ctx, &models.PasswordLink{ID: "race", PasswordID: p.ID, CreatorID: 1,
			TokenHash: []byte("h"), EncryptedKey: []byte("k"), MaxCalls: 3, MAC: []byte("m")}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.ConsumeLinkCall(ctx, "race", time.Now()) == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 3, ok)
	})

	t.Run("delete user", func(t *testing.T) {
		p := newPassword(s, t, f, 1, 1, 3)
		require.NoError(t, s.CreateAuthKeyPair(ctx, keyPair(3, f.password.ID)))
		require.NoError(t, s.ReplaceRecoveryEntry(ctx, &models.RecoveryEntry{UserID: 3, PluginID: f.password.ID,
			EncryptedAuthInformation: []byte("a"), Salt: []byte("s"), MAC: []byte("m")}))

		require.NoError(t, s.DeleteUser(ctx, 3))

		pairs, err := s.ListAuthKeyPairs(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, pairs)
		access, err := s.ListUserAccess(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, access)
		_, err = s.GetRecoveryEntry(ctx, 3, f.password.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = s.GetUserAccess(ctx, p.ID, 1)
		assert.NoError(t, err)
	})

	t.Run("delete group", func(t *testing.T) {
		require.NoError(t, s.DeleteGroup(ctx, 100))
		_, err := s.GetGroup(ctx, 100)
		assert.ErrorIs(t, err, models.ErrNotFound)
		pairs, err := s.ListGroupKeyPairs(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, pairs)
	})

	t.Run("unreferenced class and plugin can be deleted", func(t *testing.T) {
		require.NoError(t, s.DeleteSecurityClass(ctx, f.high.ID))
		require.NoError(t, s.DeleteAuthKeyPair(ctx, 1, f.keyfile.ID))
		require.NoError(t, s.DeleteAuthPlugin(ctx, f.keyfile.ID))
		_, err := s.GetAuthPlugin(ctx, f.keyfile.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func mustLink(t *testing.T, s store.Store, id string) *models.PasswordLink {
	t.Helper()
	l, err := s.GetLink(context.Background(), id)
	require.NoError(t, err)
	return l
}
