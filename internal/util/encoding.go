package util

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// IsHex reports whether s is a non-empty, even-length hex string. A leading
// 0x prefix is allowed.
func IsHex(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// DecodeBase64URL decodes a base64url segment, restoring any stripped
// padding first. Standard-alphabet characters are rejected.
func DecodeBase64URL(seg string) ([]byte, error) {
	if strings.ContainsAny(seg, "+/") {
		return nil, fmt.Errorf("base64url: segment uses standard alphabet")
	}
	if m := len(seg) % 4; m != 0 {
		if m == 1 {
			return nil, fmt.Errorf("base64url: invalid segment length %d", len(seg))
		}
		seg += strings.Repeat("=", 4-m)
	}
	b, err := base64.URLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("base64url: %w", err)
	}
	return b, nil
}

// Truncate shortens long values for log output.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
