package wire

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemes_Builtin(t *testing.T) {
	names := Schemes()
	for _, want := range []string{
		"hmac-md5", "hmac-sha1", "hmac-sha224", "hmac-sha256", "hmac-sha384",
		"hmac-sha512", "hmac-sha3_256", "hmac-sha3_512", "hmac-blake2b", "hmac-blake2s",
	} {
		assert.Contains(t, names, want)
	}
}

func TestSchemes_SignAndVerify(t *testing.T) {
	for _, name := range Schemes() {
		t.Run(name, func(t *testing.T) {
			c, err := NewCodec(name, testKey)
			require.NoError(t, err)
			assert.Equal(t, name, c.Scheme())

			frames, err := c.Encode(sampleMessage())
			require.NoError(t, err)
			assert.NotEmpty(t, frames[0])

			_, err = c.Decode(frames)
			assert.NoError(t, err)
		})
	}
}

func TestSchemes_KnownDigest(t *testing.T) {
	c, err := NewCodec("hmac-sha256", []byte("key"))
	require.NoError(t, err)

	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	sig := c.Sign([]byte("The quick brown fox "), []byte("jumps over the lazy dog"))
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", string(sig))
}

func TestRegisterScheme(t *testing.T) {
	if !IsScheme("hmac-test-sha256") {
		RegisterScheme("hmac-test-sha256", sha256.New)
	}
	assert.True(t, IsScheme("hmac-test-sha256"))

	assert.Panics(t, func() {
		RegisterScheme("hmac-test-sha256", sha256.New)
	})
}
