package config

import (
	"crypto/rand"
	"encoding/base64"
)

// GenerateAPIKey returns a random admin API key
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
