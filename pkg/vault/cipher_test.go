package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	plaintext := []byte("監査証跡データ with binary \x00\x01\x02")
	encrypted, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := c.Decrypt(encrypted)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, decrypted))
}

func TestCipherNonceVaries(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherWrongKeyFails(t *testing.T) {
	c1, err := NewCipher("passphrase-one")
	require.NoError(t, err)
	c2, err := NewCipher("passphrase-two")
	require.NoError(t, err)

	encrypted, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = c2.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestCipherDerivationDeterministic(t *testing.T) {
	c1, err := NewCipher("stable", WithSalt("fixed_salt"))
	require.NoError(t, err)
	c2, err := NewCipher("stable", WithSalt("fixed_salt"))
	require.NoError(t, err)
	assert.Equal(t, c1.KeyID(), c2.KeyID())

	c3, err := NewCipher("stable", WithSalt("other_salt"))
	require.NoError(t, err)
	assert.NotEqual(t, c1.KeyID(), c3.KeyID())
}

func TestCipherRandomKeyWhenNoPassphrase(t *testing.T) {
	c1, err := NewCipher("")
	require.NoError(t, err)
	c2, err := NewCipher("")
	require.NoError(t, err)
	assert.NotEqual(t, c1.KeyID(), c2.KeyID())
}

func TestCipherHMAC(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	data := []byte(`{"event":"block_end"}`)
	sig := c.Sign(data)
	assert.Len(t, sig, 64)
	assert.True(t, c.Verify(data, sig))
	assert.False(t, c.Verify([]byte(`{"event":"block_start"}`), sig))
	assert.False(t, c.Verify(data, sig[:63]+"0"))
}

func TestCipherKeyIDNeverLeaksKey(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)
	assert.Len(t, c.KeyID(), 16)
	assert.NotContains(t, c.KeyID(), string(c.key))
}

func TestCipherDecryptTruncated(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)
	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}
