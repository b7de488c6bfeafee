package verification

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverAddress(t *testing.T) {
	s := newTEESigner(t)
	text := strings.Repeat("a", 64) + ":" + strings.Repeat("b", 64)
	sig := s.personalSign(t, text)

	addr, err := RecoverAddress(text, sig)
	require.NoError(t, err)
	assert.Equal(t, s.address, addr)

	t.Run("RawRecoveryID", func(t *testing.T) {
		raw := []byte(sig)
		// Lower V from 27/28 to 0/1 by editing the final hex byte.
		v := sig[len(sig)-2:]
		switch v {
		case "1b":
			raw = append(raw[:len(raw)-2], "00"...)
		case "1c":
			raw = append(raw[:len(raw)-2], "01"...)
		}
		addr, err := RecoverAddress(text, string(raw))
		require.NoError(t, err)
		assert.Equal(t, s.address, addr)
	})

	t.Run("OtherText", func(t *testing.T) {
		addr, err := RecoverAddress(text+"x", sig)
		require.NoError(t, err)
		assert.NotEqual(t, s.address, addr)
	})
}

func TestRecoverAddressMalformed(t *testing.T) {
	for _, sig := range []string{"", "0xzz", "0x1234", "0x" + strings.Repeat("00", 64) + "05"} {
		_, err := RecoverAddress("text", sig)
		require.ErrorIs(t, err, ErrMalformedSignature, sig)
	}
}

func TestEIP191Verifier(t *testing.T) {
	s := newTEESigner(t)
	sig := s.personalSign(t, "hello")

	require.NoError(t, EIP191Verifier{}.VerifySignature("hello", sig, strings.ToLower(s.address)))
	require.ErrorIs(t, EIP191Verifier{}.VerifySignature("hello", sig, "0x0000000000000000000000000000000000000001"), ErrAddressMismatch)
	require.ErrorIs(t, EIP191Verifier{}.VerifySignature("hello", sig, "not-an-address"), ErrAddressMismatch)
}
