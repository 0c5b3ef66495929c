package proxy_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewind/internal/balancer"
	"gatewind/internal/circuit"
	"gatewind/internal/metrics"
	"gatewind/internal/middleware/ipfilter"
	"gatewind/internal/proxy"
	"gatewind/internal/router"
	"gatewind/internal/state"
)

const testPort = 18080

type echoResponse struct {
	Path    string      `json:"path"`
	Query   string      `json:"query"`
	Host    string      `json:"host"`
	Headers http.Header `json:"headers"`
}

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoResponse{
			Path:    r.URL.Path,
			Query:   r.URL.RawQuery,
			Host:    r.Host,
			Headers: r.Header,
		})
	}))
	t.Cleanup(backend.Close)
	return backend
}

func bindRoutes(t *testing.T, h *state.Handler, routes ...*router.Route) {
	t.Helper()
	svc := &state.ApiService{
		ListenPort:    testPort,
		ServiceConfig: state.ServiceConfig{ServerType: state.Http, Routes: routes},
	}
	require.NoError(t, svc.Compile(nil))
	h.PutService(svc)
}

func routeTo(prefix, rewrite string, endpoints ...string) *router.Route {
	targets := make([]*balancer.BaseRoute, len(endpoints))
	for i, endpoint := range endpoints {
		targets[i] = balancer.NewBaseRoute(endpoint)
	}
	return &router.Route{
		Matcher:      &router.Matcher{Prefix: prefix, PrefixRewrite: rewrite},
		RouteCluster: balancer.NewPollStrategy(targets...),
	}
}

func serve(p http.Handler, method, target string, headers http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestPipelineStatuses(t *testing.T) {
	h := state.NewHandler(state.StaticConfig{})
	p := proxy.New(testPort, proxy.Options{State: h})

	t.Run("No service", func(t *testing.T) {
		rec := serve(p, http.MethodGet, "/api/users", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("No route matched", func(t *testing.T) {
		bindRoutes(t, h, routeTo("/api", "/", "http://127.0.0.1:1"))
		rec := serve(p, http.MethodGet, "/web/index.html", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "no route matched")
	})

	t.Run("Forbidden", func(t *testing.T) {
		route := routeTo("/", "/", "http://127.0.0.1:1")
		route.AllowDenyList = []ipfilter.AllowDenyObject{{LimitType: ipfilter.DenyAll}}
		bindRoutes(t, h, route)

		rec := serve(p, http.MethodGet, "/x", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("Policy error", func(t *testing.T) {
		route := routeTo("/", "/", "http://127.0.0.1:1")
		bindRoutes(t, h, route)
		route.AllowDenyList = []ipfilter.AllowDenyObject{{LimitType: ipfilter.Allow}}

		rec := serve(p, http.MethodGet, "/x", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("All targets dead", func(t *testing.T) {
		route := routeTo("/", "/", "http://127.0.0.1:1")
		bindRoutes(t, h, route)
		route.Targets()[0].SetAlive(false)

		rec := serve(p, http.MethodGet, "/x", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("Upstream unreachable", func(t *testing.T) {
		closed := httptest.NewServer(http.NotFoundHandler())
		closed.Close()

		route := routeTo("/", "/", closed.URL)
		bindRoutes(t, h, route)

		rec := serve(p, http.MethodGet, "/x", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestForwarding(t *testing.T) {
	backend := newEchoBackend(t)
	h := state.NewHandler(state.StaticConfig{})
	p := proxy.New(testPort, proxy.Options{State: h})

	route := routeTo("/api", "/v1/", backend.URL+"/base")
	route.RewriteHeaders = map[string]string{"X-Gateway": "gatewind"}
	bindRoutes(t, h, route, routeTo("/", "/", backend.URL))

	rec := serve(p, http.MethodGet, "http://gateway.local/api/users?id=7", http.Header{"X-Client": {"test"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var echo echoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echo))
	assert.Equal(t, "/base/v1/users", echo.Path)
	assert.Equal(t, "id=7", echo.Query)
	assert.Equal(t, "test", echo.Headers.Get("X-Client"))
	assert.Equal(t, "gatewind", echo.Headers.Get("X-Gateway"))
	assert.Equal(t, "192.0.2.1", echo.Headers.Get("X-Real-IP"))
	assert.Equal(t, "192.0.2.1", echo.Headers.Get("X-Forwarded-For"))
	assert.Equal(t, "gateway.local", echo.Headers.Get("X-Forwarded-Host"))

	rec = serve(p, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &echo))
	assert.Equal(t, "/health", echo.Path)
}

func TestRouteUpdateIsVisible(t *testing.T) {
	first := newEchoBackend(t)
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "second")
	}))
	defer second.Close()

	h := state.NewHandler(state.StaticConfig{})
	p := proxy.New(testPort, proxy.Options{State: h})

	route := routeTo("/", "/", first.URL)
	route.RouteID = "main"
	bindRoutes(t, h, route)

	rec := serve(p, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	updated := routeTo("/", "/", second.URL)
	updated.RouteID = "main"
	require.NoError(t, updated.Compile(nil))
	_, err := h.UpdateRoute(updated)
	require.NoError(t, err)

	rec = serve(p, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "second", rec.Body.String())
}

func TestAnomalyDetectionThroughProxy(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer healthy.Close()

	h := state.NewHandler(state.StaticConfig{})
	collector := metrics.NewCollector()
	defer collector.Stop()
	p := proxy.New(testPort, proxy.Options{
		State:    h,
		Detector: circuit.NewAnomalyDetector(nil),
		Metrics:  collector,
	})

	route := routeTo("/", "/", failing.URL, healthy.URL)
	route.AnomalyDetection = &router.AnomalyDetectionConfig{Consecutive5xx: 2, EjectionSecond: 60}
	bindRoutes(t, h, route)

	for i := 0; i < 6; i++ {
		serve(p, http.MethodGet, "/", nil)
	}
	assert.False(t, route.Targets()[0].Alive())

	for i := 0; i < 4; i++ {
		rec := serve(p, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	stats := collector.GetStats()
	assert.EqualValues(t, 10, stats.TotalRequests)
	assert.GreaterOrEqual(t, stats.TotalErrors, uint64(2))
}

func TestStaticFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	h := state.NewHandler(state.StaticConfig{})
	p := proxy.New(testPort, proxy.Options{State: h})

	spa := routeTo("/app", "/", root)
	spa.Targets()[0].TryFile = "index.html"
	plain := routeTo("/files", "/", root)
	bindRoutes(t, h, spa, plain)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"file", "/app/assets/app.js", http.StatusOK, "console.log(1)"},
		{"try_file fallback", "/app/dashboard/settings", http.StatusOK, "<html>app</html>"},
		{"directory index", "/files/", http.StatusOK, "<html>app</html>"},
		{"missing without try_file", "/files/missing.txt", http.StatusNotFound, ""},
		{"no escape", "/files/../../etc/passwd", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(p, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestTCPProxy(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	h := state.NewHandler(state.StaticConfig{})
	svc := &state.ApiService{
		ListenPort: testPort,
		ServiceConfig: state.ServiceConfig{
			ServerType: state.Tcp,
			Routes: []*router.Route{{
				RouteCluster: balancer.NewPollStrategy(balancer.NewBaseRoute(echo.Addr().String())),
			}},
		},
	}
	require.NoError(t, svc.Compile(nil))
	h.PutService(svc)

	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := proxy.NewTCP(testPort, proxy.Options{State: h})
	go func() {
		for {
			conn, err := front.Accept()
			if err != nil {
				return
			}
			go p.Handle(ctx, conn)
		}
	}()

	client, err := net.Dial("tcp", front.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}
