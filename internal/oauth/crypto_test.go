package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		value, err := RandomString(32)
		require.NoError(t, err)
		assert.Len(t, value, 43)
		assert.False(t, seen[value], "generated values must not repeat")
		seen[value] = true
	}
}

func TestRandomStringURLSafe(t *testing.T) {
	value, err := RandomString(64)
	require.NoError(t, err)
	assert.NotContains(t, value, "+")
	assert.NotContains(t, value, "/")
	assert.NotContains(t, value, "=")
}

func TestHashTokenDeterministic(t *testing.T) {
	first := HashToken("secret-value")
	second := HashToken("secret-value")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotEqual(t, first, HashToken("other-value"))

	// Known SHA-256 vector.
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashToken("hello"))
}

func TestClientSecretHashing(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, VerifyClientSecret(hash, "s3cret"))
	assert.False(t, VerifyClientSecret(hash, "wrong"))
	assert.False(t, VerifyClientSecret("not-a-hash", "s3cret"))
}
