package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey indicates the supplied key material has the wrong length.
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
	// ErrMalformedCiphertext indicates a stored value that cannot be decrypted.
	ErrMalformedCiphertext = errors.New("secrets: malformed ciphertext")
)

// Cipher encrypts small secrets for storage and derives deterministic
// lookup digests that allow equality checks without decryption.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Hash(plaintext string) string
}

// KeyedCipher implements Cipher with ChaCha20-Poly1305 for ciphertexts and
// HMAC-SHA256 for lookup digests. Both derive from a single 32-byte key.
type KeyedCipher struct {
	aeadKey []byte
	hmacKey []byte
	rand    io.Reader
}

// NewKeyedCipher derives independent encryption and digest keys from the
// provided root key.
func NewKeyedCipher(rootKey []byte) (*KeyedCipher, error) {
	if len(rootKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &KeyedCipher{
		aeadKey: deriveSubkey(rootKey, "signal-bridge/encrypt"),
		hmacKey: deriveSubkey(rootKey, "signal-bridge/lookup"),
		rand:    rand.Reader,
	}, nil
}

func deriveSubkey(rootKey []byte, label string) []byte {
	mac := hmac.New(sha256.New, rootKey)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// Encrypt seals the plaintext with a fresh random nonce. The result is
// base64(nonce || ciphertext).
func (c *KeyedCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(c.aeadKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce generation failed: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *KeyedCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	aead, err := chacha20poly1305.New(c.aeadKey)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformedCiphertext
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return string(plaintext), nil
}

// Hash returns a deterministic keyed digest of the plaintext, hex encoded.
// Equal inputs always produce equal digests, which makes the value usable
// as a database lookup column without storing anything reversible.
func (c *KeyedCipher) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
