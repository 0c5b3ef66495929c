package auth

import (
	"crypto/subtle"
	"net/http"

	"gatewind/internal/types"
)

const defaultAPIKeyHeader = "X-API-Key"

type apiKeyAuth struct {
	header string
	keys   [][]byte
}

// NewAPIKey creates an authenticator accepting any of keys in header
func NewAPIKey(header string, keys []string) (types.Authenticator, error) {
	if len(keys) == 0 {
		return nil, types.ValidationError{Field: "authentication.keys", Message: "at least one key is required"}
	}
	if header == "" {
		header = defaultAPIKeyHeader
	}

	a := &apiKeyAuth{header: header}
	for _, k := range keys {
		a.keys = append(a.keys, []byte(k))
	}
	return a, nil
}

func (a *apiKeyAuth) CheckAuthentication(headers http.Header) (bool, error) {
	presented := []byte(headers.Get(a.header))
	if len(presented) == 0 {
		return false, nil
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(presented, k) == 1 {
			return true, nil
		}
	}
	return false, nil
}
