package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marqops/conductor/pkg/schema"
)

// mapStore is a simple in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVaultStoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "meta_ads_token", []byte("tok-4921")))

	val, err := v.Resolve(ctx, "meta_ads_token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-4921"), val)
}

func TestAESVaultEncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	plaintext := []byte("hubspot-api-key")
	require.NoError(t, v.Store(ctx, "crm_key", plaintext))

	stored := s.data["crm_key"]
	assert.NotEmpty(t, stored)
	assert.False(t, bytes.Contains(stored, plaintext), "plaintext must not appear in stored ciphertext")
}

func TestAESVaultPassphraseDerivation(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	v1, err := NewAESVault(s, VaultConfig{Passphrase: "hunter2", Salt: []byte("0123456789abcdef")})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "k", []byte("value")))

	// Same passphrase and salt decrypts what the first vault wrote.
	v2, err := NewAESVault(s, VaultConfig{Passphrase: "hunter2", Salt: []byte("0123456789abcdef")})
	require.NoError(t, err)
	val, err := v2.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	// A different passphrase cannot.
	v3, err := NewAESVault(s, VaultConfig{Passphrase: "wrong", Salt: []byte("0123456789abcdef")})
	require.NoError(t, err)
	_, err = v3.Resolve(ctx, "k")
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeVault, cerr.Code)
}

func TestAESVaultConfigValidation(t *testing.T) {
	s := newMapStore()

	_, err := NewAESVault(s, VaultConfig{})
	assert.Error(t, err)

	_, err = NewAESVault(s, VaultConfig{MasterKey: []byte("short")})
	assert.Error(t, err)

	_, err = NewAESVault(s, VaultConfig{Passphrase: "p"})
	assert.Error(t, err, "passphrase without salt must be rejected")
}

func TestAESVaultResolveMissing(t *testing.T) {
	v, _ := testVault(t)

	_, err := v.Resolve(context.Background(), "ghost")
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestAESVaultTamperedCiphertext(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	s.data["k"][len(s.data["k"])-1] ^= 0xFF

	_, err := v.Resolve(ctx, "k")
	require.Error(t, err)
	var cerr *schema.ConductorError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeVault, cerr.Code)
}

func TestAESVaultRejectsUnknownEnvelopeVersion(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	s.data["k"][0] = 0x7F

	_, err := v.Resolve(ctx, "k")
	var cerr *schema.ConductorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeVault, cerr.Code)
	assert.Contains(t, cerr.Message, "envelope version")
}

func TestResolveRef(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "meta_ads_token", []byte("tok-4921")))

	t.Run("plain values pass through", func(t *testing.T) {
		val, err := ResolveRef(ctx, v, "literal-token")
		require.NoError(t, err)
		assert.Equal(t, "literal-token", val)
	})

	t.Run("references resolve through the vault", func(t *testing.T) {
		require.True(t, IsRef(Ref("meta_ads_token")))
		val, err := ResolveRef(ctx, v, Ref("meta_ads_token"))
		require.NoError(t, err)
		assert.Equal(t, "tok-4921", val)
	})

	t.Run("missing key surfaces the store error", func(t *testing.T) {
		_, err := ResolveRef(ctx, v, "vault:ghost")
		var cerr *schema.ConductorError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
	})

	t.Run("reference without a vault is an error", func(t *testing.T) {
		_, err := ResolveRef(ctx, nil, "vault:anything")
		var cerr *schema.ConductorError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, schema.ErrCodeVault, cerr.Code)
		assert.Contains(t, cerr.Message, "no vault configured")
	})
}

func TestAESVaultDeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("1")))
	require.NoError(t, v.Store(ctx, "b", []byte("2")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, v.Delete(ctx, "a"))
	_, err = v.Resolve(ctx, "a")
	assert.Error(t, err)
}
