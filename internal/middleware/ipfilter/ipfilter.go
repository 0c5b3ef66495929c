// Package ipfilter evaluates per-route IP allow/deny lists
package ipfilter

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"gatewind/internal/types"
)

// AllowType is the action of one rule
type AllowType string

const (
	AllowAll AllowType = "AllowAll"
	DenyAll  AllowType = "DenyAll"
	Allow    AllowType = "Allow"
	Deny     AllowType = "Deny"
)

// AllowResult is the outcome of a single rule
type AllowResult int

const (
	ResultAllow AllowResult = iota
	ResultDeny
	ResultNotMapping
)

func (r AllowResult) String() string {
	switch r {
	case ResultAllow:
		return "Allow"
	case ResultDeny:
		return "Deny"
	default:
		return "NotMapping"
	}
}

// AllowDenyObject is one rule of an ordered allow/deny list. Value holds an
// IPv4 address or a CIDR range and is required for Allow and Deny.
type AllowDenyObject struct {
	LimitType AllowType `json:"limit_type" yaml:"limit_type"`
	Value     *string   `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsAllow evaluates the rule against a client IP
func (o AllowDenyObject) IsAllow(clientIP string) (AllowResult, error) {
	switch o.LimitType {
	case AllowAll:
		return ResultAllow, nil
	case DenyAll:
		return ResultDeny, nil
	case Allow, Deny:
	default:
		return ResultNotMapping, types.ValidationError{Field: "limit_type", Message: fmt.Sprintf("unknown limit type %q", o.LimitType)}
	}

	if o.Value == nil {
		return ResultNotMapping, types.ErrMissingAllowDenyValue
	}

	matched, err := matches(*o.Value, clientIP)
	if err != nil {
		return ResultNotMapping, err
	}
	if !matched {
		return ResultNotMapping, nil
	}
	if o.LimitType == Allow {
		return ResultAllow, nil
	}
	return ResultDeny, nil
}

func matches(value, clientIP string) (bool, error) {
	if !strings.Contains(value, "/") {
		return value == clientIP, nil
	}

	_, network, err := net.ParseCIDR(value)
	if err != nil {
		return false, types.ValidationError{Field: "value", Message: err.Error()}
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false, fmt.Errorf("%w: unparsable client ip %q", types.ErrInvalidConfiguration, clientIP)
	}
	return network.Contains(ip), nil
}

// Validate checks a list without evaluating it against a client
func Validate(rules []AllowDenyObject) error {
	for i, rule := range rules {
		switch rule.LimitType {
		case AllowAll, DenyAll:
			continue
		case Allow, Deny:
		default:
			return types.ValidationError{Field: fmt.Sprintf("allow_deny_list[%d].limit_type", i), Message: fmt.Sprintf("unknown limit type %q", rule.LimitType)}
		}
		if rule.Value == nil {
			return types.ValidationError{Field: fmt.Sprintf("allow_deny_list[%d].value", i), Message: types.ErrMissingAllowDenyValue.Error()}
		}
		if strings.Contains(*rule.Value, "/") {
			if _, _, err := net.ParseCIDR(*rule.Value); err != nil {
				return types.ValidationError{Field: fmt.Sprintf("allow_deny_list[%d].value", i), Message: err.Error()}
			}
		}
	}
	return nil
}

// IsAllowed scans rules in order and stops at the first Allow or Deny. An
// empty list, or a list where no rule maps the address, allows.
func IsAllowed(rules []AllowDenyObject, clientIP string) (bool, error) {
	for _, rule := range rules {
		result, err := rule.IsAllow(clientIP)
		if err != nil {
			return false, err
		}
		switch result {
		case ResultAllow:
			return true, nil
		case ResultDeny:
			return false, nil
		}
	}
	return true, nil
}

// ClientIP returns the peer address of the connection. X-Forwarded-For is
// not consulted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
