package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"gatewind/internal/types"
)

// basicAuth checks HTTP basic credentials
type basicAuth struct {
	users map[string]string
}

// NewBasic creates a basic authenticator. Passwords starting with "$2" are
// treated as bcrypt hashes.
func NewBasic(users map[string]string) (types.Authenticator, error) {
	if len(users) == 0 {
		return nil, types.ValidationError{Field: "authentication.users", Message: "at least one user is required"}
	}
	copied := make(map[string]string, len(users))
	for name, password := range users {
		copied[name] = password
	}
	return &basicAuth{users: copied}, nil
}

func (b *basicAuth) CheckAuthentication(headers http.Header) (bool, error) {
	username, password, ok := parseBasic(headers.Get("Authorization"))
	if !ok {
		return false, nil
	}

	expected, exists := b.users[username]
	if !exists {
		return false, nil
	}

	if isBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(password)) == nil, nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1, nil
}

func parseBasic(header string) (string, string, bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return username, password, true
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword hashes a password for the users map
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
