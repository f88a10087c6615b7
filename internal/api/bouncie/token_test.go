package bouncie

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	store := NewTokenStore(path, zap.NewNop())

	raw := `{"access_token":"abc123","token_type":"Bearer","expires_in":3600}`
	require.NoError(t, store.Save([]byte(raw)))

	cred, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "abc123", cred.AccessToken)
	assert.Equal(t, raw, cred.Raw)

	// blob 原样落盘
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, string(onDisk))
}

func TestTokenStore_SaveRejectsMissingAccessToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	store := NewTokenStore(path, zap.NewNop())

	require.NoError(t, store.Save([]byte(`{"access_token":"good"}`)))

	assert.Error(t, store.Save([]byte(`{"error":"invalid_grant"}`)))
	assert.Error(t, store.Save([]byte(`{"access_token":""}`)))
	assert.Error(t, store.Save([]byte(`not json`)))

	// 之前的凭证原封不动
	cred, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "good", cred.AccessToken)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"good"}`, string(onDisk))
}

func TestTokenStore_GetWithoutCredential(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"), zap.NewNop())

	_, ok := store.Get()
	assert.False(t, ok)
}

func TestTokenStore_LoadExistingBlob(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"stored"}`), 0600))

	store := NewTokenStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	cred, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, "stored", cred.AccessToken)
}

func TestTokenStore_LoadUnparseableBlobMeansAbsent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	store := NewTokenStore(path, zap.NewNop())
	require.NoError(t, store.Load())

	_, ok := store.Get()
	assert.False(t, ok)
}

func TestTokenStore_LoadMissingFileIsError(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	assert.Error(t, store.Load())
}
