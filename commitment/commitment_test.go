package commitment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestKnownVector(t *testing.T) {
	// SHA-256("abc")
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		DigestRequest([]byte("abc")))
}

func TestDigestDeterministic(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte(`{"model":"m","messages":[]}`),
		[]byte("data: {\"id\":1}\n\ndata: [DONE]\n\n"),
	}
	for _, in := range inputs {
		d := DigestRequest(in)
		assert.Equal(t, d, DigestRequest(in))
		assert.Len(t, d, 64)
		assert.Equal(t, strings.ToLower(d), d)
	}
}

func TestDigestSensitiveToTrailingBytes(t *testing.T) {
	body := []byte("data: {\"id\":1}\n\ndata: [DONE]\n\n")

	t.Run("ExtraByte", func(t *testing.T) {
		assert.NotEqual(t, DigestResponse(body), DigestResponse(append(append([]byte{}, body...), 'x')))
	})
	t.Run("TrimmedNewline", func(t *testing.T) {
		assert.NotEqual(t, DigestResponse(body), DigestResponse(body[:len(body)-1]))
	})
	t.Run("CRLF", func(t *testing.T) {
		crlf := []byte(strings.ReplaceAll(string(body), "\n", "\r\n"))
		assert.NotEqual(t, DigestResponse(body), DigestResponse(crlf))
	})
}

func TestDigestRequestJSON(t *testing.T) {
	d, err := DigestRequestJSON(map[string]any{"model": "m"})
	require.NoError(t, err)
	assert.Equal(t, DigestRequest([]byte(`{"model":"m"}`)), d)

	empty, err := DigestRequestJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, DigestRequest([]byte(`{}`)), empty)

	_, err = DigestRequestJSON(make(chan int))
	require.Error(t, err)
}

func TestBindSignatureText(t *testing.T) {
	assert.Equal(t, "ab:cd", BindSignatureText("AB", "cd"))
}

func TestVerifyBinding(t *testing.T) {
	h1 := DigestRequest([]byte("request"))
	h2 := DigestResponse([]byte("response"))

	t.Run("Match", func(t *testing.T) {
		assert.Equal(t, BindingMatch, VerifyBinding(h1, h2, h1+":"+h2))
	})
	t.Run("CaseInsensitive", func(t *testing.T) {
		assert.Equal(t, BindingMatch, VerifyBinding(strings.ToUpper(h1), h2, h1+":"+strings.ToUpper(h2)))
	})
	t.Run("Transposed", func(t *testing.T) {
		assert.Equal(t, BindingMismatch, VerifyBinding(h1, h2, h2+":"+h1))
	})
	t.Run("OtherBytes", func(t *testing.T) {
		other := DigestResponse([]byte("response\n"))
		assert.Equal(t, BindingMismatch, VerifyBinding(h1, h2, h1+":"+other))
	})
	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, BindingIndeterminate, VerifyBinding("", h2, h1+":"+h2))
		assert.Equal(t, BindingIndeterminate, VerifyBinding(h1, h2, ""))
	})
	t.Run("NotHex", func(t *testing.T) {
		b := VerifyBinding("reqhash", "reshash", "reqhash:reshash")
		assert.Equal(t, BindingIndeterminate, b)
		assert.False(t, b.OK())
	})
}

func TestSplitSignatureText(t *testing.T) {
	req, resp, ok := SplitSignatureText("AA:bb")
	require.True(t, ok)
	assert.Equal(t, "aa", req)
	assert.Equal(t, "bb", resp)

	for _, bad := range []string{"", "aa", ":bb", "aa:", "aa:bb:cc"} {
		_, _, ok := SplitSignatureText(bad)
		assert.False(t, ok, bad)
	}
}
