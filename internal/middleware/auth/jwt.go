package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"gatewind/internal/types"
)

// jwtAuth validates bearer tokens
type jwtAuth struct {
	key    any
	parser *jwt.Parser
}

// NewJWT creates a bearer token authenticator
func NewJWT(cfg Config) (types.Authenticator, error) {
	var key any
	switch {
	case cfg.PublicKey != "":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, types.ValidationError{Field: "authentication.public_key", Message: err.Error()}
		}
		key = pub
	case cfg.Secret != "":
		key = []byte(cfg.Secret)
	default:
		return nil, types.ValidationError{Field: "authentication", Message: "jwt requires secret or public_key"}
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &jwtAuth{key: key, parser: jwt.NewParser(opts...)}, nil
}

func (j *jwtAuth) CheckAuthentication(headers http.Header) (bool, error) {
	tokenString := extractToken(headers)
	if tokenString == "" {
		return false, nil
	}

	token, err := j.parser.Parse(tokenString, j.keyFunc)
	if err != nil {
		return false, nil
	}
	return token.Valid, nil
}

func (j *jwtAuth) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		if _, ok := j.key.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	case *jwt.SigningMethodHMAC:
		if _, ok := j.key.([]byte); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return j.key, nil
}

// extractToken reads a bearer token from the Authorization header
func extractToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
