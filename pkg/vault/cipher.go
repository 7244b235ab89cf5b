package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKeySalt is the PBKDF2 salt used when none is configured.
// Override it in production deployments via WithSalt.
const DefaultKeySalt = "keiri_agent_salt_2025"

const pbkdf2Iterations = 100000

// Cipher provides authenticated encryption (AES-256-GCM), content
// hashing, and HMAC signing for the vault. One instance both encrypts
// and decrypts; losing the passphrase loses the data.
type Cipher struct {
	key  []byte
	aead cipher.AEAD
}

// CipherOption adjusts key derivation.
type CipherOption func(*cipherConfig)

type cipherConfig struct {
	salt string
}

// WithSalt overrides the key-derivation salt.
func WithSalt(salt string) CipherOption {
	return func(c *cipherConfig) { c.salt = salt }
}

// NewCipher derives a 256-bit key from the passphrase with
// PBKDF2-HMAC-SHA-256. An empty passphrase generates a random key,
// usable only for the lifetime of the process.
func NewCipher(passphrase string, opts ...CipherOption) (*Cipher, error) {
	cfg := cipherConfig{salt: DefaultKeySalt}
	for _, opt := range opts {
		opt(&cfg)
	}

	var key []byte
	if passphrase == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("cipher: key generation failed: %w", err)
		}
	} else {
		key = pbkdf2.Key([]byte(passphrase), []byte(cfg.salt), pbkdf2Iterations, 32, sha256.New)
	}
	return newCipherFromKey(key)
}

func newCipherFromKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &Cipher{key: key, aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is
// prepended to the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce generation failed: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("cipher: ciphertext shorter than nonce")
	}
	plaintext, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: decryption failed: %w", err)
	}
	return plaintext, nil
}

// Sign returns the hex HMAC-SHA-256 of data under the vault key.
func (c *Cipher) Sign(data []byte) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an HMAC signature in constant time.
func (c *Cipher) Verify(data []byte, signature string) bool {
	expected := c.Sign(data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// KeyID identifies the key in diagnostics without revealing it: the
// first 16 hex characters of SHA-256(key).
func (c *Cipher) KeyID() string {
	return HashSHA256(c.key)[:16]
}

// HashSHA256 returns the hex SHA-256 digest of data.
func HashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
