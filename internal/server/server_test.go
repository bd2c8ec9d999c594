package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geo_torii/internal/check"
	"geo_torii/internal/config"
	"geo_torii/internal/dataType"
	"geo_torii/internal/keystore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type fakeUpstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
	hits atomic.Int32
}

func newFakeUpstream(t *testing.T, h http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.seen = append(f.seen, seenRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		f.mu.Unlock()
		f.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) host() string {
	return strings.TrimPrefix(f.URL, "http://")
}

func (f *fakeUpstream) last(t *testing.T) seenRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen, "upstream was not called")
	return f.seen[len(f.seen)-1]
}

func strPtr(s string) *string { return &s }

func testConfig(upstreamHost string) *config.MainConfig {
	cfg := config.DefaultMainConfig()
	cfg.Upstream.Host = upstreamHost
	cfg.Upstream.Timeout = 2 * time.Second
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.MainConfig, store keystore.Backend) *Server {
	t.Helper()
	return NewServer(cfg, Deps{Store: store})
}

func newACLRequest(method, target, origin, apiKey string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if origin != "" {
		req.Header.Set("CF-Connecting-IP", origin)
	}
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	return req
}

func memoryStore() *keystore.Memory {
	m := keystore.NewMemory()
	m.Put("k-open", strPtr("[]"))
	m.Put("k-list", strPtr(`["1.2.3.4","5.6.7.8"]`))
	m.Put("k-bad", strPtr("not json"))
	m.Put("k-null", nil)
	return m
}

func TestHandler_DeniedResponses(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, testConfig(up.host()), memoryStore())

	tests := []struct {
		name    string
		origin  string
		apiKey  string
		noKey   bool
		message string
	}{
		{"missing key", "1.2.3.4", "", true, check.ReasonAPIKeyRequired},
		{"malformed record", "1.2.3.4", "k-bad", false, check.ReasonACLParseError},
		{"origin not listed", "9.9.9.9", "k-list", false, check.ReasonOriginNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newACLRequest(http.MethodGet, "/json/8.8.8.8", tt.origin, tt.apiKey)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

			var body unauthorizedBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body.Error)
			assert.Equal(t, tt.message, body.Message)
		})
	}
	assert.Zero(t, up.hits.Load())
}

func TestHandler_PresentButBlankKey(t *testing.T) {
	s := newTestServer(t, testConfig("127.0.0.1:1"), memoryStore())
	req := newACLRequest(http.MethodGet, "/json", "1.2.3.4", "")
	req.Header["X-Api-Key"] = []string{"   "}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), check.ReasonAPIKeyRequired)
}

func TestHandler_SilentResponses(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	t.Run("unknown key", func(t *testing.T) {
		s := newTestServer(t, testConfig(up.host()), memoryStore())
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "ghost"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("null allowed addresses", func(t *testing.T) {
		s := newTestServer(t, testConfig(up.host()), memoryStore())
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-null"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("acl disabled", func(t *testing.T) {
		s := newTestServer(t, testConfig(up.host()), nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-open"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("no origin", func(t *testing.T) {
		s := newTestServer(t, testConfig(up.host()), memoryStore())
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "", "k-open"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	assert.Zero(t, up.hits.Load())
}

func TestHandler_ForwardsUpstream(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Rl", "44")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success","query":"8.8.8.8"}`))
	})
	s := newTestServer(t, testConfig(up.host()), memoryStore())

	req := newACLRequest(http.MethodGet, "/json/8.8.8.8?fields=country&mode=full&lang=en&mode=x", "1.2.3.4", "k-list")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"status":"success","query":"8.8.8.8"}`, rec.Body.String())
	assert.Equal(t, "44", rec.Header().Get("X-Rl"))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	seen := up.last(t)
	assert.Equal(t, http.MethodGet, seen.Method)
	assert.Equal(t, "/json/8.8.8.8", seen.Path)
	assert.Equal(t, "fields=country&lang=en", seen.Query)
	assert.Empty(t, seen.Header.Get("X-API-KEY"))
	assert.Empty(t, seen.Header.Get("CF-Connecting-IP"))
	assert.Equal(t, "application/json", seen.Header.Get("Accept"))
}

func TestHandler_RelaysUpstreamStatus(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})
	cfg := testConfig(up.host())
	cfg.Upstream.RetryMax = 0
	s := newTestServer(t, cfg, memoryStore())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-open"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "slow down", rec.Body.String())
}

func TestHandler_RetriesIdempotentOnly(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	cfg := testConfig(up.host())
	cfg.Upstream.RetryMax = 1
	s := newTestServer(t, cfg, memoryStore())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-open"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream down", rec.Body.String())
	assert.Equal(t, int32(2), up.hits.Load())

	req := httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`["8.8.8.8"]`))
	req.Header.Set("CF-Connecting-IP", "1.2.3.4")
	req.Header.Set("X-API-KEY", "k-open")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, int32(3), up.hits.Load())

	seen := up.last(t)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, `["8.8.8.8"]`, seen.Body)
}

func TestHandler_UpstreamUnreachable(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	host := up.host()
	up.Close()

	cfg := testConfig(host)
	cfg.Upstream.RetryMax = 0
	s := newTestServer(t, cfg, memoryStore())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-open"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_BasicMode(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, testConfig(up.host()), memoryStore())

	t.Run("authorized", func(t *testing.T) {
		req := newACLRequest(http.MethodGet, "/?mode=%20basic%20", "1.2.3.4", "k-list")
		req.Header.Set("Accept-Encoding", "gzip, br")
		req.Header.Set("CF-IPCountry", "JP")
		req.TLS = &tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256}
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var meta dataType.ConnectionMeta
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
		assert.Equal(t, "1.2.3.4", meta.IP)
		assert.Equal(t, "HTTP/1.1", meta.HTTPProtocol)
		assert.Equal(t, "TLS 1.3", meta.TLSVersion)
		assert.Equal(t, "TLS_AES_128_GCM_SHA256", meta.TLSCipher)
		assert.Equal(t, "gzip, br", meta.ClientAcceptEncoding)
		assert.Equal(t, "JP", meta.EdgeCountry)
	})

	t.Run("requires authorization", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/?mode=basic", "9.9.9.9", "k-list"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), check.ReasonOriginNotAllowed)
	})

	assert.Zero(t, up.hits.Load())
}

func TestHandler_OtherModeIsForwarded(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	s := newTestServer(t, testConfig(up.host()), memoryStore())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json?mode=Basic", "1.2.3.4", "k-open"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", up.last(t).Query)
}

func TestHandler_TrustedProxies(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	trie, err := config.LoadTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	cfg := testConfig(up.host())
	s := NewServer(cfg, Deps{Store: memoryStore(), TrustedProxies: trie})

	t.Run("trusted peer", func(t *testing.T) {
		req := newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-list")
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("untrusted peer", func(t *testing.T) {
		req := newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k-list")
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("untrusted peer with fallback", func(t *testing.T) {
		fallbackCfg := testConfig(up.host())
		fallbackCfg.FallbackRemoteAddr = true
		fs := NewServer(fallbackCfg, Deps{Store: memoryStore(), TrustedProxies: trie})

		req := newACLRequest(http.MethodGet, "/json", "5.6.7.8", "k-list")
		req.RemoteAddr = "1.2.3.4:5555"
		rec := httptest.NewRecorder()
		fs.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestProcessRequestData(t *testing.T) {
	cfg := config.DefaultMainConfig()
	cfg.ConnectingIPHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For"}

	req := httptest.NewRequest(http.MethodGet, "/json/1.1.1.1?lang=de", nil)
	req.Header.Set("X-Forwarded-For", " 1.2.3.4 , 10.0.0.1")
	req.Header.Set("User-Agent", "curl/8.0")

	got := processRequestData(&cfg, nil, req)
	assert.Equal(t, "10.0.0.1", got.RemoteIP)
	assert.Equal(t, "192.0.2.1", got.PeerIP)
	assert.Equal(t, "/json/1.1.1.1?lang=de", got.Uri)
	assert.Equal(t, "curl/8.0", got.UserAgent)
	assert.False(t, got.APIKeyPresent)
	assert.True(t, got.EdgeTrusted)
	assert.NotEmpty(t, got.RequestID)

	req.Header.Set("x-api-key", "")
	got = processRequestData(&cfg, nil, req)
	assert.True(t, got.APIKeyPresent)
	assert.Equal(t, "", got.APIKey)
}

func TestEdgeHeaderValue(t *testing.T) {
	h := http.Header{}
	h.Set("CF-Connecting-IP", "1.2.3.4, 5.6.7.8")
	assert.Equal(t, "1.2.3.4, 5.6.7.8", edgeHeaderValue(h, "CF-Connecting-IP"), "single-valued headers pass through")

	h.Add("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	h.Add("X-Forwarded-For", "3.3.3.3 ,4.4.4.4 ")
	assert.Equal(t, "4.4.4.4", edgeHeaderValue(h, "x-forwarded-for"))

	assert.Equal(t, "", edgeHeaderValue(http.Header{}, "X-Forwarded-For"))
}

func TestHandler_ForwardedForUsesEntryFromTrustedPeer(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	trie, err := config.LoadTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	cfg := testConfig(up.host())
	cfg.ConnectingIPHeaders = []string{"X-Forwarded-For"}
	s := NewServer(cfg, Deps{Store: memoryStore(), TrustedProxies: trie})

	t.Run("client written entry is ignored", func(t *testing.T) {
		req := newACLRequest(http.MethodGet, "/json", "", "k-list")
		req.Header.Set("X-Forwarded-For", "1.2.3.4, 9.9.9.9")
		req.RemoteAddr = "10.0.0.5:4000"
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), check.ReasonOriginNotAllowed)
	})

	t.Run("appended entry is used", func(t *testing.T) {
		req := newACLRequest(http.MethodGet, "/json", "", "k-list")
		req.Header.Set("X-Forwarded-For", "9.9.9.9, 5.6.7.8")
		req.RemoteAddr = "10.0.0.5:4000"
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.Equal(t, int32(1), up.hits.Load())
}

func TestHealthCheck(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")

	t.Run("disabled", func(t *testing.T) {
		s := newTestServer(t, cfg, nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geo_torii/health_check", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body, "ok\n"))
		assert.Contains(t, body, "version="+dataType.GeoToriiVersion)
		assert.Contains(t, body, "acl=disabled")
		assert.Contains(t, body, "node=Geo Torii")
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := keystore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "acl.db"), "access-control", true)
		require.NoError(t, err)
		s := newTestServer(t, cfg, store)

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geo_torii/health_check", nil))
		assert.Contains(t, rec.Body.String(), "acl=ok")

		require.NoError(t, store.Close())
		rec = httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geo_torii/health_check", nil))
		assert.Contains(t, rec.Body.String(), "acl=error")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig("127.0.0.1:1"), memoryStore())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "ghost"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geo_torii/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `geo_torii_acl_decisions_total{outcome="denied_silent"} 1`)
	assert.Contains(t, body, `geo_torii_acl_decisions_total{outcome="allowed"} 0`)
}

func TestHandler_SQLiteBackend(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	ctx := context.Background()
	store, err := keystore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "acl.db"), "access-control", true)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Put(ctx, "k1", `["1.2.3.4"]`))

	s := newTestServer(t, testConfig(up.host()), store)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", " k1\t"))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, store.Put(ctx, "k1", `["5.6.7.8"]`))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, newACLRequest(http.MethodGet, "/json", "1.2.3.4", "k1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), check.ReasonOriginNotAllowed)
}

func TestUpstream_TargetURL(t *testing.T) {
	u := NewUpstream(config.UpstreamConfig{Host: "ip-api.com", Scheme: "http", Timeout: time.Second})
	in, err := url.Parse("https://user@geo.example.com/json/8.8.8.8?mode=basic&fields=a%2Cb&mode=&x=1#frag")
	require.NoError(t, err)

	got := u.TargetURL(in, "mode")
	assert.Equal(t, "http://ip-api.com/json/8.8.8.8?fields=a%2Cb&x=1", got.String())
	assert.Equal(t, "geo.example.com", in.Host, "input must not be modified")
}

func TestStripQueryParam(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"mode=basic", ""},
		{"mode", ""},
		{"a=1&mode=basic&b=2", "a=1&b=2"},
		{"mod%65=basic&a=1", "a=1"},
		{"model=x", "model=x"},
		{"a=1&a=2", "a=1&a=2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripQueryParam(tt.raw, "mode"), tt.raw)
	}
}

func TestOutboundHeader(t *testing.T) {
	h := http.Header{}
	h.Set("X-API-KEY", "secret")
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Accept", "*/*")

	out := outboundHeader(h, "X-API-KEY")
	assert.Empty(t, out.Get("X-API-KEY"))
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Custom-Hop"))
	assert.Empty(t, out.Get("Keep-Alive"))
	assert.Equal(t, "*/*", out.Get("Accept"))
	assert.Equal(t, "secret", h.Get("X-API-KEY"), "input must not be modified")
}
