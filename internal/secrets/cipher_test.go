package secrets

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Argon2Params {
	// Low cost so the KDF does not dominate test time
	return Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-master-secret", testParams())
	require.NoError(t, err)

	envelope, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	plaintext, err := c.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plaintext)
}

func TestCipherEnvelopesDiffer(t *testing.T) {
	c, err := NewCipher("test-master-secret", testParams())
	require.NoError(t, err)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	// Fresh nonce per call means identical plaintexts never share ciphertext
	assert.NotEqual(t, first, second)

	for _, envelope := range []string{first, second} {
		plaintext, err := c.Decrypt(envelope)
		require.NoError(t, err)
		assert.Equal(t, "same plaintext", plaintext)
	}
}

func TestCipherRequiresMasterSecret(t *testing.T) {
	_, err := NewCipher("", testParams())
	assert.Error(t, err)
}

func TestCipherRejectsCorruptEnvelopes(t *testing.T) {
	c, err := NewCipher("test-master-secret", testParams())
	require.NoError(t, err)

	valid, err := c.Encrypt("secret value")
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":      "%%%not-base64%%%",
		"empty":           "",
		"too short":       base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
		"unknown version": strings.Replace(valid, valid[:1], "/", 1),
	}
	for name, envelope := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(envelope)
			assert.ErrorIs(t, err, ErrCorruptSecret)
		})
	}
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("test-master-secret", testParams())
	require.NoError(t, err)

	envelope, err := c.Encrypt("secret value")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(envelope)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrCorruptSecret)
}

func TestCipherKeysAreIndependent(t *testing.T) {
	first, err := NewCipher("master-secret-one", testParams())
	require.NoError(t, err)
	second, err := NewCipher("master-secret-two", testParams())
	require.NoError(t, err)

	envelope, err := first.Encrypt("secret value")
	require.NoError(t, err)

	_, err = second.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrCorruptSecret)
}
