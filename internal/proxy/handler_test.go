package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/config"
	"github.com/djtimer/shellcache/internal/fetch"
	"github.com/djtimer/shellcache/internal/lifecycle"
	"github.com/djtimer/shellcache/internal/logging"
	"github.com/djtimer/shellcache/internal/server"
)

const shellURL = "https://timer.local/DJtimer/index.html"

type proxyFixture struct {
	app      *fiber.App
	upstream *httptest.Server
	engine   *fetch.Engine
	worker   *lifecycle.Worker
	appJS    atomic.Int32
}

// newProxyFixture 组装完整链路：httptest 上游 → Upstream → Worker/Engine → Forwarder → Fiber app。
func newProxyFixture(t *testing.T, activate bool, manifest ...string) *proxyFixture {
	t.Helper()
	fx := &proxyFixture{}

	fx.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/DJtimer/index.html", "/DJtimer/", "/DJtimer/timer":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>shell</html>")
		case "/DJtimer/app.js":
			fx.appJS.Add(1)
			w.Header().Set("Content-Type", "application/javascript")
			io.WriteString(w, "console.log('timer')")
		case "/DJtimer/a?b.js":
			io.WriteString(w, "escaped:"+r.URL.Path)
		case "/DJtimer/old.js":
			http.Redirect(w, r, "/DJtimer/app.js", http.StatusMovedPermanently)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fx.upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origins: []config.OriginConfig{{
			Name:     "app",
			Domain:   "timer.local",
			Upstream: fx.upstream.URL,
			Scope:    true,
		}},
	}
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	logger := logging.Discard()
	network := NewUpstream(server.NewUpstreamClient(cfg), registry, logger)

	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	targets := make([]*url.URL, 0, len(manifest))
	for _, entry := range manifest {
		u, err := url.Parse(entry)
		if err != nil {
			t.Fatalf("manifest entry: %v", err)
		}
		targets = append(targets, u)
	}
	fx.worker, err = lifecycle.NewWorker(lifecycle.Options{
		Storage:    storage,
		Generation: "app-cache-v1.0.4",
		Manifest:   targets,
		Network:    network,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}

	ctx := context.Background()
	gen, err := fx.worker.Install(ctx)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if activate {
		if err := fx.worker.Activate(ctx); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}

	shell, _ := url.Parse(shellURL)
	fx.engine, err = fetch.NewEngine(fetch.Options{
		Generation: gen,
		ShellURL:   shell,
		FontHosts:  []string{"fonts.googleapis.com"},
		Network:    network,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(fx.engine.Close)

	forwarder := NewForwarder(
		NewHandler(fx.engine, logger),
		NewHandler(Passthrough(network), logger),
		fx.worker,
		logger,
	)
	fx.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return fx
}

func (fx *proxyFixture) do(t *testing.T, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://timer.local"+target, nil)
	req.Host = "timer.local"
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

var subresource = map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "script"}
var navigation = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}

func TestProxyCachesSameOriginAsset(t *testing.T) {
	fx := newProxyFixture(t, true, shellURL)

	resp, body := fx.do(t, "/DJtimer/app.js", subresource)
	if resp.StatusCode != http.StatusOK || body != "console.log('timer')" {
		t.Fatalf("unexpected first response: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Shellcache-Cache-Hit") != "false" {
		t.Fatalf("first request must come from network")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	fx.engine.Flush()

	resp, body = fx.do(t, "/DJtimer/app.js", subresource)
	if resp.Header.Get("X-Shellcache-Cache-Hit") != "true" {
		t.Fatalf("second request must be served from cache")
	}
	if body != "console.log('timer')" {
		t.Fatalf("unexpected cached body: %s", body)
	}
	if resp.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("cached response lost content type: %s", resp.Header.Get("Content-Type"))
	}
	if got := fx.appJS.Load(); got != 1 {
		t.Fatalf("expected one upstream hit, got %d", got)
	}
}

func TestProxyPassesRedirectThroughWithoutCaching(t *testing.T) {
	fx := newProxyFixture(t, true, shellURL)

	resp, _ := fx.do(t, "/DJtimer/old.js", subresource)
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301 passthrough, got %d", resp.StatusCode)
	}
	fx.engine.Flush()

	resp, _ = fx.do(t, "/DJtimer/old.js", subresource)
	if resp.Header.Get("X-Shellcache-Cache-Hit") != "false" {
		t.Fatalf("redirect must not be cached")
	}
}

func TestProxyOfflineNavigationServesShell(t *testing.T) {
	fx := newProxyFixture(t, true, shellURL)
	fx.upstream.Close()

	resp, body := fx.do(t, "/DJtimer/timer", navigation)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from cached shell, got %d", resp.StatusCode)
	}
	if body != "<html>shell</html>" {
		t.Fatalf("expected cached shell bytes, got %s", body)
	}
	if resp.Header.Get("X-Shellcache-Cache-Hit") != "true" {
		t.Fatalf("offline shell must be flagged as a cache hit")
	}
}

func TestProxyOfflineNavigationWithoutShell(t *testing.T) {
	fx := newProxyFixture(t, true)
	fx.upstream.Close()

	resp, body := fx.do(t, "/DJtimer/", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "offline_unavailable") {
		t.Fatalf("expected offline_unavailable, got %s", body)
	}
}

func TestProxyOfflineAssetMissFails(t *testing.T) {
	fx := newProxyFixture(t, true, shellURL)
	fx.upstream.Close()

	resp, body := fx.do(t, "/DJtimer/app.js", subresource)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed, got %s", body)
	}
}

func TestProxyUncontrolledRequestsBypassCache(t *testing.T) {
	fx := newProxyFixture(t, false, shellURL)

	for i := 0; i < 2; i++ {
		resp, _ := fx.do(t, "/DJtimer/app.js", subresource)
		if resp.Header.Get("X-Shellcache-Cache-Hit") != "false" {
			t.Fatalf("uncontrolled request %d must not hit cache", i)
		}
		fx.engine.Flush()
	}
	if got := fx.appJS.Load(); got != 2 {
		t.Fatalf("expected both requests upstream, got %d", got)
	}
}

func TestRequestModeFromFetchMetadata(t *testing.T) {
	cases := []struct {
		method string
		header http.Header
		want   fetch.Mode
	}{
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, fetch.ModeNavigate},
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"CORS"}}, fetch.ModeCORS},
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"websocket"}}, fetch.ModeNoCORS},
		{http.MethodGet, http.Header{"Accept": {"text/html"}}, fetch.ModeNavigate},
		{http.MethodPost, http.Header{"Accept": {"text/html"}}, fetch.ModeNoCORS},
		{http.MethodGet, http.Header{"Accept": {"image/png"}}, fetch.ModeNoCORS},
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"no-cors"}, "Accept": {"text/html"}}, fetch.ModeNoCORS},
	}
	for _, tc := range cases {
		if got := requestMode(tc.method, tc.header); got != tc.want {
			t.Fatalf("requestMode(%s, %v) = %s, want %s", tc.method, tc.header, got, tc.want)
		}
	}
}

func TestBuildFetchRequestUsesBrowserOrigin(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/DJtimer/icons/../fonts/display.woff2?v=3")
	ctx.Request().Header.Set("Sec-Fetch-Dest", "Font")

	req, err := buildFetchRequest(ctx, testRoute())
	if err != nil {
		t.Fatalf("buildFetchRequest: %v", err)
	}
	if got := req.URL.String(); got != "https://timer.local/DJtimer/fonts/display.woff2?v=3" {
		t.Fatalf("unexpected url: %s", got)
	}
	if req.Destination != fetch.DestinationFont {
		t.Fatalf("unexpected destination: %s", req.Destination)
	}
	if req.Mode != fetch.ModeNoCORS {
		t.Fatalf("unexpected mode: %s", req.Mode)
	}

	cases := []struct {
		uri  string
		want string
		path string
	}{
		{"/DJtimer/a%3Fb.js?v=1", "https://timer.local/DJtimer/a%3Fb.js?v=1", "/DJtimer/a?b.js"},
		{"/DJtimer/a%23b.js", "https://timer.local/DJtimer/a%23b.js", "/DJtimer/a#b.js"},
	}
	for _, tc := range cases {
		ctx.Request().SetRequestURI(tc.uri)
		req, err := buildFetchRequest(ctx, testRoute())
		if err != nil {
			t.Fatalf("buildFetchRequest(%s): %v", tc.uri, err)
		}
		if got := req.URL.String(); got != tc.want {
			t.Fatalf("buildFetchRequest(%s) url = %s, want %s", tc.uri, got, tc.want)
		}
		if req.URL.Path != tc.path || req.URL.Fragment != "" {
			t.Fatalf("buildFetchRequest(%s) path = %q fragment = %q", tc.uri, req.URL.Path, req.URL.Fragment)
		}
	}
}

func TestProxyKeepsEscapedPathIdentity(t *testing.T) {
	fx := newProxyFixture(t, true, shellURL)

	resp, body := fx.do(t, "/DJtimer/a%3Fb.js", subresource)
	if resp.StatusCode != http.StatusOK || body != "escaped:/DJtimer/a?b.js" {
		t.Fatalf("unexpected first response: %d %s", resp.StatusCode, body)
	}
	fx.engine.Flush()

	resp, body = fx.do(t, "/DJtimer/a%3Fb.js", subresource)
	if resp.Header.Get("X-Shellcache-Cache-Hit") != "true" {
		t.Fatalf("escaped path must be served from its own cache entry")
	}
	if body != "escaped:/DJtimer/a?b.js" {
		t.Fatalf("unexpected cached body: %s", body)
	}

	resp, _ = fx.do(t, "/DJtimer/a", subresource)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("plain path must not alias the escaped entry, got %d", resp.StatusCode)
	}
}
