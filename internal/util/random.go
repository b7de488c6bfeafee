package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom reads exactly n bytes from r. A nil reader falls back to
// crypto/rand.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns 2*n lowercase hex characters built from n random bytes
// read from r.
func RandomHex(r io.Reader, n int) (string, error) {
	b, err := RandomBytesFrom(r, n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
