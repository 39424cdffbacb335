package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpacehq/engagement-engine/internal/errs"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, chacha20poly1305KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

const chacha20poly1305KeySize = 32

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte(`{"host":"smtp.example.com","port":587}`)

	blob, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptTamperedBlobIsCorrupted(t *testing.T) {
	v := newTestVault(t)
	blob, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)

	tampered := blob[:len(blob)-2] + "zz"
	_, err = v.Decrypt(tampered)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CryptoCorrupted))
}

func TestDecryptGarbageIsCorrupted(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt("not-base64!!!")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CryptoCorrupted))
}
