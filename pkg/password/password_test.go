package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	encoded, err := Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$"))

	ok, err := Verify(encoded, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(encoded, "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashProducesUniqueSalts(t *testing.T) {
	first, err := Hash("password")
	require.NoError(t, err)
	second, err := Hash("password")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyMalformedHash(t *testing.T) {
	_, err := Verify("not-a-hash", "password")
	assert.ErrorIs(t, err, ErrMalformedHash)

	_, err = Verify("$bcrypt$v=19$m=1,t=1,p=1$salt$hash", "password")
	assert.ErrorIs(t, err, ErrMalformedHash)
}
