package keystore_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/storage"
)

func newFileKeystore(t *testing.T, dir string) *keystore.Keystore {
	t.Helper()
	files, err := storage.NewLocalStore(dir, events.Discard())
	require.NoError(t, err)
	return keystore.New(keystore.NewFileSource(files, crypto.NewSystemRandom(), events.Discard()))
}

func TestFileSource_CreatesOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newFileKeystore(t, dir)
	k1, err := first.Key(ctx, keystore.KeyPairAuth)
	require.NoError(t, err)
	assert.Equal(t, crypto.KeySize, k1.Len())

	// a second process sees the same key
	second := newFileKeystore(t, dir)
	k2, err := second.Key(ctx, keystore.KeyPairAuth)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2))

	other, err := second.Key(ctx, keystore.PasswordAuth)
	require.NoError(t, err)
	assert.False(t, k1.Equal(other))
}

func TestFileSource_ConcurrentCreators(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const n = 8
	keys := make([]*crypto.Key, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ks := newFileKeystore(t, dir)
			k, err := ks.Key(ctx, keystore.Factor)
			assert.NoError(t, err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.NotNil(t, keys[i])
		assert.True(t, keys[0].Equal(keys[i]), "creator %d saw a different key", i)
	}
}

func TestKeystore_Preload(t *testing.T) {
	files := storage.NewMemoryStore()
	ks := keystore.New(keystore.NewFileSource(files, crypto.NewSystemRandom(), events.Discard()))
	require.NoError(t, ks.Preload(context.Background()))

	for _, name := range keystore.Names {
		ok, err := files.Exists(string(name) + ".key")
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestKeystore_RejectsWrongSize(t *testing.T) {
	files := storage.NewMemoryStore()
	require.NoError(t, files.Write("factor.key", []byte("c2hvcnQ="), 0600))

	ks := keystore.New(keystore.NewFileSource(files, crypto.NewSystemRandom(), events.Discard()))
	_, err := ks.Key(context.Background(), keystore.Factor)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

type mockSecrets struct {
	mock.Mock
}

func (m *mockSecrets) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(aws.ToString(in.SecretId))
	out, _ := args.Get(0).(*secretsmanager.GetSecretValueOutput)
	return out, args.Error(1)
}

func TestSecretsManagerSource(t *testing.T) {
	ctx := context.Background()
	payload := `{"keypair-auth":"` + "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=" + `"}`

	client := &mockSecrets{}
	client.On("GetSecretValue", "tresor/system-keys").
		Return(&secretsmanager.GetSecretValueOutput{SecretString: aws.String(payload)}, nil).Once()

	ks := keystore.New(keystore.NewSecretsManagerSourceWithClient(client, "tresor/system-keys"))

	key, err := ks.Key(ctx, keystore.KeyPairAuth)
	require.NoError(t, err)
	assert.Equal(t, byte(31), key.Bytes()[31])

	_, err = ks.Key(ctx, keystore.PasswordAuth)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	client.AssertExpectations(t)
}

func TestSecretsManagerSource_FetchError(t *testing.T) {
	client := &mockSecrets{}
	client.On("GetSecretValue", "missing").Return(nil, errors.New("ResourceNotFoundException"))

	ks := keystore.New(keystore.NewSecretsManagerSourceWithClient(client, "missing"))
	_, err := ks.Key(context.Background(), keystore.Factor)
	assert.Error(t, err)
}

func newVerifier(t *testing.T, logs *bytes.Buffer) (*keystore.Verifier, *metrics.Metrics) {
	t.Helper()
	reg, err := crypto.NewDefaultRegistry(crypto.NewSystemRandom(), crypto.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1})
	require.NoError(t, err)
	suite, err := crypto.NewSuite(reg, crypto.DefaultSelection())
	require.NoError(t, err)

	ks := keystore.New(keystore.NewFileSource(storage.NewMemoryStore(), crypto.NewSystemRandom(), events.Discard()))
	m := metrics.New()
	logger := events.NewTestLogger(events.DebugLevel, "json", logs)
	return keystore.NewVerifier(ks, suite, logger, m), m
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	v, m := newVerifier(t, &logs)

	fields := [][]byte{models.Int64Bytes(7), models.Int64Bytes(1), []byte("public"), []byte("encrypted private")}
	mac, err := v.Tag(ctx, keystore.KeyPairAuth, fields...)
	require.NoError(t, err)

	require.NoError(t, v.Check(ctx, keystore.KeyPairAuth, "auth_key_pair", 3, mac, fields...))
	assert.Empty(t, logs.String())

	t.Run("field mutated", func(t *testing.T) {
		for i := range fields {
			mutated := make([][]byte, len(fields))
			copy(mutated, fields)
			mutated[i] = append(append([]byte(nil), fields[i]...), 'x')

			err := v.Check(ctx, keystore.KeyPairAuth, "auth_key_pair", 3, mac, mutated...)
			assert.ErrorIs(t, err, models.ErrIntegrity, "field %d", i)
		}
		assert.Contains(t, logs.String(), `"level":"critical"`)
		assert.Contains(t, logs.String(), `"record":"auth_key_pair"`)
	})

	t.Run("other system key", func(t *testing.T) {
		err := v.Check(ctx, keystore.PasswordAuth, "auth_key_pair", 3, mac, fields...)
		var integrity *models.IntegrityError
		require.True(t, errors.As(err, &integrity))
		assert.Equal(t, "3", integrity.ID)
	})

	t.Run("garbage mac", func(t *testing.T) {
		err := v.Check(ctx, keystore.KeyPairAuth, "auth_key_pair", 3, []byte("nope"), fields...)
		assert.ErrorIs(t, err, models.ErrIntegrity)
	})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == "tresor_integrity_failures_total" {
			for _, metric := range f.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(len(fields)+2), total)
}
