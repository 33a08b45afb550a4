package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams() Argon2Params {
	return Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func TestHashPasswordFormat(t *testing.T) {
	encoded, err := HashPassword("hunter2", fastParams())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$"), "unexpected prefix: %s", encoded)
	assert.Len(t, strings.Split(encoded, "$"), 6)
}

func TestVerifyPassword(t *testing.T) {
	encoded, err := HashPassword("correct horse battery staple", fastParams())
	require.NoError(t, err)

	ok, err := VerifyPassword("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	first, err := HashPassword("hunter2", fastParams())
	require.NoError(t, err)
	second, err := HashPassword("hunter2", fastParams())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not a hash":     "plaintext",
		"wrong variant":  "$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		"missing fields": "$argon2id$v=19$m=1024,t=1,p=1",
		"bad salt":       "$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaA",
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyPassword("anything", encoded)
			assert.ErrorIs(t, err, ErrInvalidHash)
		})
	}
}

func TestVerifyPasswordRejectsIncompatibleVersion(t *testing.T) {
	_, err := VerifyPassword("anything", "$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
