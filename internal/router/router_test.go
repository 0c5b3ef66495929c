package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewind/internal/balancer"
	"gatewind/internal/middleware/ipfilter"
	"gatewind/internal/router"
	"gatewind/internal/types"
)

func newRoute(t *testing.T, prefix, rewrite, host string) *router.Route {
	t.Helper()
	route := &router.Route{
		HostName:     host,
		Matcher:      &router.Matcher{Prefix: prefix, PrefixRewrite: rewrite},
		RouteCluster: balancer.NewPollStrategy(balancer.NewBaseRoute("http://127.0.0.1:9000")),
	}
	require.NoError(t, route.Compile(nil))
	return route
}

func strPtr(s string) *string { return &s }

type fakeAuth struct {
	allow bool
	err   error
	calls int
}

func (f *fakeAuth) CheckAuthentication(http.Header) (bool, error) {
	f.calls++
	return f.allow, f.err
}

type fakeLimiter struct {
	limit bool
	calls int
}

func (f *fakeLimiter) ShouldLimit(context.Context, http.Header, string) (bool, error) {
	f.calls++
	return f.limit, nil
}

func TestNormalizeMatcher(t *testing.T) {
	tests := []struct {
		name     string
		input    router.Matcher
		expected router.Matcher
	}{
		{"bare", router.Matcher{Prefix: "api", PrefixRewrite: "v1"}, router.Matcher{Prefix: "/api/", PrefixRewrite: "/v1"}},
		{"already normal", router.Matcher{Prefix: "/api/", PrefixRewrite: "/"}, router.Matcher{Prefix: "/api/", PrefixRewrite: "/"}},
		{"empty", router.Matcher{}, router.Matcher{Prefix: "/", PrefixRewrite: "/"}},
		{"trailing rewrite kept", router.Matcher{Prefix: "/a", PrefixRewrite: "/b/"}, router.Matcher{Prefix: "/a/", PrefixRewrite: "/b/"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := router.NormalizeMatcher(tt.input)
			assert.Equal(t, tt.expected, once)
			assert.Equal(t, once, router.NormalizeMatcher(once))
		})
	}
}

func TestIsMatched(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		rewrite  string
		host     string
		path     string
		headers  http.Header
		matched  bool
		expected string
	}{
		{"prefix rewrite", "/api", "/", "", "/api/users", nil, true, "/users"},
		{"rewrite to sub path", "/api/", "/v2/", "", "/api/users/1", nil, true, "/v2/users/1"},
		{"prefix miss", "/api", "/", "", "/web/index", nil, false, ""},
		{"prefix needs the slash", "/api", "/", "", "/api", nil, false, ""},
		{"root", "/", "/", "", "/anything", nil, true, "/anything"},
		{"host match", "/", "/", "^example\\.com$", "/x", http.Header{"Host": {"example.com"}}, true, "/x"},
		{"host mismatch", "/", "/", "^example\\.com$", "/x", http.Header{"Host": {"other.com"}}, false, ""},
		{"host missing", "/", "/", "^example\\.com$", "/x", http.Header{}, false, ""},
		{"host nil headers", "/", "/", "example", "/x", nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := newRoute(t, tt.prefix, tt.rewrite, tt.host)
			rewritten, ok, err := route.IsMatched(tt.path, tt.headers)
			require.NoError(t, err)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.expected, rewritten)
		})
	}

	t.Run("Missing matcher", func(t *testing.T) {
		route := &router.Route{RouteCluster: balancer.NewPollStrategy(balancer.NewBaseRoute("127.0.0.1:1"))}
		require.NoError(t, route.Compile(nil))
		_, _, err := route.IsMatched("/", nil)
		assert.ErrorIs(t, err, types.ErrMissingMatcher)
	})

	t.Run("Invalid host pattern", func(t *testing.T) {
		route := &router.Route{
			HostName:     "(",
			Matcher:      &router.Matcher{Prefix: "/"},
			RouteCluster: balancer.NewPollStrategy(balancer.NewBaseRoute("127.0.0.1:1")),
		}
		assert.ErrorIs(t, route.Compile(nil), types.ErrInvalidConfiguration)
	})
}

func TestMatch(t *testing.T) {
	first := newRoute(t, "/api/v1", "/", "")
	second := newRoute(t, "/api", "/legacy/", "")
	routes := []*router.Route{first, second}

	route, rewritten, err := router.Match(routes, "/api/v1/users", nil)
	require.NoError(t, err)
	assert.Same(t, first, route)
	assert.Equal(t, "/users", rewritten)

	route, rewritten, err = router.Match(routes, "/api/orders", nil)
	require.NoError(t, err)
	assert.Same(t, second, route)
	assert.Equal(t, "/legacy/orders", rewritten)

	route, _, err = router.Match(routes, "/static/app.js", nil)
	require.NoError(t, err)
	assert.Nil(t, route)
}

func TestRequestHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com:8080/x", nil)
	req.Header.Set("X-Test", "1")

	headers := router.RequestHeaders(req)
	assert.Equal(t, "example.com:8080", headers.Get("Host"))
	assert.Equal(t, "1", headers.Get("X-Test"))
	assert.Empty(t, req.Header.Get("Host"))
}

func TestIsAllowed(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty policy allows", func(t *testing.T) {
		route := newRoute(t, "/", "/", "")
		allowed, err := route.IsAllowed(ctx, "192.168.1.1", nil)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("First mapping rule wins", func(t *testing.T) {
		route := newRoute(t, "/", "/", "")
		route.AllowDenyList = []ipfilter.AllowDenyObject{
			{LimitType: ipfilter.Allow, Value: strPtr("10.0.0.0/8")},
			{LimitType: ipfilter.DenyAll},
		}

		allowed, err := route.IsAllowed(ctx, "10.1.2.3", nil)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = route.IsAllowed(ctx, "192.168.1.1", nil)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("IP deny stops the chain", func(t *testing.T) {
		authn := &fakeAuth{allow: true}
		limiter := &fakeLimiter{}
		route := newRoute(t, "/", "/", "").WithAuthenticator(authn).WithRateLimiter(limiter)
		route.AllowDenyList = []ipfilter.AllowDenyObject{{LimitType: ipfilter.DenyAll}}

		allowed, err := route.IsAllowed(ctx, "127.0.0.1", nil)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Zero(t, authn.calls)
		assert.Zero(t, limiter.calls)
	})

	t.Run("Authentication failure stops the chain", func(t *testing.T) {
		authn := &fakeAuth{allow: false}
		limiter := &fakeLimiter{}
		route := newRoute(t, "/", "/", "").WithAuthenticator(authn).WithRateLimiter(limiter)

		allowed, err := route.IsAllowed(ctx, "127.0.0.1", http.Header{})
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 1, authn.calls)
		assert.Zero(t, limiter.calls)
	})

	t.Run("Authentication error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		route := newRoute(t, "/", "/", "").WithAuthenticator(&fakeAuth{err: boom})

		_, err := route.IsAllowed(ctx, "127.0.0.1", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Rate limit rejects", func(t *testing.T) {
		limiter := &fakeLimiter{limit: true}
		route := newRoute(t, "/", "/", "").WithAuthenticator(&fakeAuth{allow: true}).WithRateLimiter(limiter)

		allowed, err := route.IsAllowed(ctx, "127.0.0.1", nil)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 1, limiter.calls)
	})

	t.Run("Allow rule without value", func(t *testing.T) {
		route := newRoute(t, "/", "/", "")
		route.AllowDenyList = []ipfilter.AllowDenyObject{{LimitType: ipfilter.Allow}}

		_, err := route.IsAllowed(ctx, "127.0.0.1", nil)
		assert.ErrorIs(t, err, types.ErrMissingAllowDenyValue)
	})
}

func TestRouteCodec(t *testing.T) {
	route := newRoute(t, "api", "/", "")
	route.LivenessConfig = &router.LivenessConfig{MinLivenessCount: 1}

	data, err := json.Marshal(route)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, route.RouteID, raw["route_id"])
	assert.Contains(t, raw, "liveness_status")
	assert.Contains(t, raw, "route_cluster")

	var decoded router.Route
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, route.RouteID, decoded.RouteID)
	assert.Equal(t, "/api/", decoded.Matcher.Prefix)
	assert.Equal(t, 1, decoded.MinLivenessCount())
	assert.Zero(t, decoded.Liveness().CurrentLivenessCount)

	require.NoError(t, decoded.Compile(nil))
	assert.Equal(t, 1, decoded.Liveness().CurrentLivenessCount)
}

func TestCompileRequiresCluster(t *testing.T) {
	route := &router.Route{Matcher: &router.Matcher{Prefix: "/"}}
	assert.ErrorIs(t, route.Compile(nil), types.ErrInvalidConfiguration)
}

func TestRefreshLiveness(t *testing.T) {
	targets := []*balancer.BaseRoute{
		balancer.NewBaseRoute("http://127.0.0.1:1"),
		balancer.NewBaseRoute("http://127.0.0.1:2"),
	}
	route := &router.Route{
		Matcher:      &router.Matcher{Prefix: "/"},
		RouteCluster: balancer.NewPollStrategy(targets...),
	}
	require.NoError(t, route.Compile(nil))
	assert.Equal(t, 2, route.Liveness().CurrentLivenessCount)

	targets[0].SetAlive(false)
	assert.Equal(t, 1, route.RefreshLiveness())
	assert.Equal(t, 1, route.Liveness().CurrentLivenessCount)
}
