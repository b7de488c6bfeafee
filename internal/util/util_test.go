package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyBytes(t *testing.T) {
	src := []byte("abc")
	dst := CopyBytes(src)
	assert.Equal(t, src, dst)
	dst[0] = 'z'
	assert.Equal(t, byte('a'), src[0])
}

func TestIsHex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"ab12", true},
		{"0xAB12", true},
		{"0X00", true},
		{"", false},
		{"0x", false},
		{"abc", false},
		{"zz", false},
		{"ab 12", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsHex(tt.in), tt.in)
	}
}

func TestHexDecode(t *testing.T) {
	b, err := HexDecode("0x0aff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xff}, b)

	_, err = HexDecode("0xzz")
	require.Error(t, err)
}

func TestDecodeBase64URL(t *testing.T) {
	t.Run("Unpadded", func(t *testing.T) {
		b, err := DecodeBase64URL("eyJhbGciOiJFUzI1NiJ9")
		require.NoError(t, err)
		assert.Equal(t, `{"alg":"ES256"}`, string(b))
	})

	t.Run("PaddingRestored", func(t *testing.T) {
		b, err := DecodeBase64URL("YQ")
		require.NoError(t, err)
		assert.Equal(t, "a", string(b))
	})

	t.Run("URLAlphabet", func(t *testing.T) {
		b, err := DecodeBase64URL("-_8")
		require.NoError(t, err)
		assert.Equal(t, []byte{0xfb, 0xff}, b)
	})

	t.Run("StandardAlphabetRejected", func(t *testing.T) {
		_, err := DecodeBase64URL("+/8")
		require.Error(t, err)
	})

	t.Run("InvalidLength", func(t *testing.T) {
		_, err := DecodeBase64URL("abcde")
		require.Error(t, err)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}

func TestRandomHex(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		r := bytes.NewReader([]byte{0x00, 0x01, 0xab, 0xff})
		s, err := RandomHex(r, 4)
		require.NoError(t, err)
		assert.Equal(t, "0001abff", s)
	})

	t.Run("ShortReader", func(t *testing.T) {
		_, err := RandomHex(bytes.NewReader([]byte{1}), 4)
		require.Error(t, err)
	})

	t.Run("NilReaderUsesCryptoRand", func(t *testing.T) {
		a, err := RandomHex(nil, 32)
		require.NoError(t, err)
		b, err := RandomHex(nil, 32)
		require.NoError(t, err)
		assert.Len(t, a, 64)
		assert.NotEqual(t, a, b)
		assert.Equal(t, strings.ToLower(a), a)
	})
}
