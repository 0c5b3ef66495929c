package router

import (
	"context"
	"net/http"
	"strings"

	"gatewind/internal/middleware/ipfilter"
	"gatewind/internal/types"
)

// Matcher rewrites a path prefix
type Matcher struct {
	Prefix        string `json:"prefix" yaml:"prefix"`
	PrefixRewrite string `json:"prefix_rewrite" yaml:"prefix_rewrite"`
}

// NormalizeMatcher makes prefix start and end with "/" and prefix_rewrite
// start with "/". Normalizing twice is a no-op.
func NormalizeMatcher(m Matcher) Matcher {
	if !strings.HasSuffix(m.Prefix, "/") {
		m.Prefix += "/"
	}
	if !strings.HasPrefix(m.Prefix, "/") {
		m.Prefix = "/" + m.Prefix
	}
	if !strings.HasPrefix(m.PrefixRewrite, "/") {
		m.PrefixRewrite = "/" + m.PrefixRewrite
	}
	return m
}

// IsMatched returns the rewritten path when the route accepts the request.
// A miss is reported with ok=false and no error.
func (r *Route) IsMatched(path string, headers http.Header) (rewritten string, ok bool, err error) {
	if r.Matcher == nil {
		return "", false, types.ErrMissingMatcher
	}

	remainder, found := strings.CutPrefix(path, r.Matcher.Prefix)
	if !found {
		return "", false, nil
	}
	rewritten = r.Matcher.PrefixRewrite + remainder

	if r.HostName == "" {
		return rewritten, true, nil
	}
	if headers == nil {
		return "", false, nil
	}
	host := headers.Get("Host")
	if host == "" {
		return "", false, nil
	}
	if r.hostPattern == nil {
		return "", false, types.ValidationError{Field: "host_name", Message: "route was not compiled"}
	}
	if !r.hostPattern.MatchString(host) {
		return "", false, nil
	}
	return rewritten, true, nil
}

// IsAllowed runs the policy chain: IP allow/deny, then authentication, then
// the rate limit. The first stage that denies stops the chain.
func (r *Route) IsAllowed(ctx context.Context, ip string, headers http.Header) (bool, error) {
	allowed, err := ipfilter.IsAllowed(r.AllowDenyList, ip)
	if err != nil || !allowed {
		return false, err
	}

	if r.authenticator != nil {
		if headers == nil {
			headers = http.Header{}
		}
		allowed, err = r.authenticator.CheckAuthentication(headers)
		if err != nil || !allowed {
			return false, err
		}
	}

	if r.limiter != nil {
		if headers == nil {
			headers = http.Header{}
		}
		limited, err := r.limiter.ShouldLimit(ctx, headers, ip)
		if err != nil {
			return false, err
		}
		return !limited, nil
	}
	return true, nil
}
