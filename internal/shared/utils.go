// Package shared provides small helpers for random material and secure
// memory wiping.
package shared

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateRandByteArray returns n bytes from crypto/rand.
func GenerateRandByteArray(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return b
}

// RandomDigits returns a string of n decimal digits drawn uniformly from
// crypto/rand. Leading zeros are kept, so "004211" is a valid result.
func RandomDigits(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("digits: invalid length %d", n)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

// WipeByteArray overwrites the contents of the provided byte slice with zeros.
// Use it for keys and other secrets once they are no longer needed.
//
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}
