// Package auth provides the authentication capabilities a route can carry
package auth

import (
	"fmt"

	"gatewind/internal/types"
)

// Authentication types
const (
	TypeBasic  = "basic"
	TypeAPIKey = "api_key"
	TypeJWT    = "jwt"
)

// Config describes a route's authentication capability
type Config struct {
	Type string `json:"type" yaml:"type"`

	// Basic: username to bcrypt hash (plain text is accepted for testing)
	Users map[string]string `json:"users,omitempty" yaml:"users,omitempty"`

	// API key
	HeaderName string   `json:"header_name,omitempty" yaml:"header_name,omitempty"`
	Keys       []string `json:"keys,omitempty" yaml:"keys,omitempty"`

	// JWT: either an HMAC secret or a PEM encoded RSA public key
	Secret    string `json:"secret,omitempty" yaml:"secret,omitempty"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
	Issuer    string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience  string `json:"audience,omitempty" yaml:"audience,omitempty"`
}

// New builds the authenticator described by cfg
func New(cfg Config) (types.Authenticator, error) {
	switch cfg.Type {
	case TypeBasic:
		return NewBasic(cfg.Users)
	case TypeAPIKey:
		return NewAPIKey(cfg.HeaderName, cfg.Keys)
	case TypeJWT:
		return NewJWT(cfg)
	default:
		return nil, types.ValidationError{Field: "authentication.type", Message: fmt.Sprintf("unknown authentication type %q", cfg.Type)}
	}
}
