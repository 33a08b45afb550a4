package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrCorruptSecret indicates the envelope was malformed, truncated, or
	// failed authentication. Callers must surface this as an internal error,
	// never treat it as "no secret configured".
	ErrCorruptSecret = errors.New("corrupt secret envelope")
)

const (
	// envelopeVersion is the single byte prefixed to every envelope so the
	// format can evolve without re-encrypting existing rows.
	envelopeVersion = 0x01

	keyLength = 32 // AES-256
)

// kdfSalt is a fixed application-level salt for deriving the cipher key from
// the master secret. The per-call nonce provides ciphertext uniqueness; the
// salt only separates this key from any other use of the same master secret.
var kdfSalt = []byte("admin-auth/secret-cipher/v1")

// Argon2Params control the key derivation cost.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// Cipher encrypts and decrypts sensitive fields before they reach the
// persistent store. The symmetric key is derived exactly once from the
// master secret (slow argon2id KDF) and cached for process lifetime; each
// Encrypt call draws a fresh random nonce that travels inside the envelope
// and is passed explicitly to both seal and open.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES-256 key from masterSecret and builds the AEAD.
// This is the only place the KDF runs.
func NewCipher(masterSecret string, params Argon2Params) (*Cipher, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}

	key := argon2.IDKey([]byte(masterSecret), kdfSalt,
		params.Iterations, params.Memory, params.Parallelism, keyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext into a self-describing base64 envelope:
// version byte, random nonce, then ciphertext. Encrypting the same
// plaintext twice yields different envelopes.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	envelope := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = c.aead.Seal(envelope, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed, truncated,
// or tampered input fails with ErrCorruptSecret.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrCorruptSecret)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < 1+nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: envelope too short", ErrCorruptSecret)
	}
	if raw[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unknown envelope version %d", ErrCorruptSecret, raw[0])
	}

	nonce, ciphertext := raw[1:1+nonceSize], raw[1+nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptSecret, err)
	}

	return string(plaintext), nil
}
