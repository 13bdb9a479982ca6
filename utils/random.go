package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

// GenerateRequestID returns an 18-digit numeric identifier. One is
// generated per request-cashin call and reused for the paired
// confirm-cashin signature; the gateway deduplicates retries on it.
func GenerateRequestID() (string, error) {
	min := big.NewInt(100000000000000000)
	max := big.NewInt(999999999999999999)
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(max, min))
	if err != nil {
		return "", err
	}

	n.Add(n, min)
	return n.String(), nil
}

// GenerateCode returns n random bytes as an upper-case hex string.
func GenerateCode(n int) (string, error) {
	// Make a slice of nBytes random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}
