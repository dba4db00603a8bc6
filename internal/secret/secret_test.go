package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *LocalKey {
	t.Helper()
	k, err := NewLocalKey(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return k
}

func TestLocalKey_RoundTrip(t *testing.T) {
	k := testKey(t)

	token, err := k.Protect("s3cr3t")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, tokenPrefix))
	assert.NotContains(t, token, "s3cr3t")

	plaintext, err := k.Unprotect(token)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plaintext)

	other, err := k.Protect("s3cr3t")
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "nonce must differ per call")
}

func TestLocalKey_Unprotect_Errors(t *testing.T) {
	k := testKey(t)

	_, err := k.Unprotect("plain-password")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = k.Unprotect(tokenPrefix + "!!!")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = k.Unprotect(tokenPrefix + "AAAA")
	assert.ErrorIs(t, err, ErrMalformedToken)

	token, err := k.Protect("value")
	require.NoError(t, err)
	wrong, err := NewLocalKey(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	_, err = wrong.Unprotect(token)
	assert.Error(t, err)
}

func TestReveal_FallsBackToPlaintext(t *testing.T) {
	k := testKey(t)
	token, err := k.Protect("pwd")
	require.NoError(t, err)

	assert.Equal(t, "pwd", Reveal(k, token))
	assert.Equal(t, "legacy-plaintext", Reveal(k, "legacy-plaintext"))
	assert.Equal(t, "", Reveal(k, ""))
	assert.Equal(t, "raw", Reveal(nil, "raw"))
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")

	created, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err := created.Protect("pwd")
	require.NoError(t, err)

	loaded, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	plaintext, err := loaded.Unprotect(token)
	require.NoError(t, err)
	assert.Equal(t, "pwd", plaintext)
}

func TestLoadOrCreateKey_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	_, err := LoadOrCreateKey(path)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
