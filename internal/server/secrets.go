package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	passwordLength  = 16
	secretKeyLength = 32

	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GeneratePassword returns a random alphanumeric secret. Alphanumeric only,
// so the value survives tfvars quoting and postgres connection strings
// without escaping.
func GeneratePassword(length int) (string, error) {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func generateMany(lengths ...int) ([]string, error) {
	out := make([]string, len(lengths))
	for i, length := range lengths {
		secret, err := GeneratePassword(length)
		if err != nil {
			return nil, err
		}
		out[i] = secret
	}
	return out, nil
}
