package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateHash_CompareHash(t *testing.T) {
	key := []byte("scanner-device-key-AB12")

	hash, err := GenerateHash(key)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	assert.True(t, CompareHash([]byte(hash), key))
	assert.False(t, CompareHash([]byte(hash), []byte("wrong-key")))
}

func TestCompareHash_MalformedHash(t *testing.T) {
	assert.False(t, CompareHash([]byte("not-a-bcrypt-hash"), []byte("key")))
}
