package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geo_torii/internal/config"
	"geo_torii/internal/dataType"
	"geo_torii/internal/utils"

	"github.com/hashicorp/go-retryablehttp"
)

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream reissues authorized requests to the geolocation provider.
type Upstream struct {
	cfg config.UpstreamConfig
	// retrying is used for GET and HEAD, once for everything else.
	retrying *retryablehttp.Client
	once     *retryablehttp.Client
}

func NewUpstream(cfg config.UpstreamConfig) *Upstream {
	return &Upstream{
		cfg:      cfg,
		retrying: newRetryClient(cfg.Timeout, cfg.RetryMax),
		once:     newRetryClient(cfg.Timeout, 0),
	}
}

func newRetryClient(timeout time.Duration, retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = nil
	// Hand the last response back instead of a "giving up" error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.HTTPClient.Timeout = timeout
	// Redirects belong to the caller.
	c.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

func (u *Upstream) client(method string) *retryablehttp.Client {
	if method == http.MethodGet || method == http.MethodHead {
		return u.retrying
	}
	return u.once
}

// TargetURL points in at the upstream host with every modeParam value removed.
// Path and the rest of the query are kept as received.
func (u *Upstream) TargetURL(in *url.URL, modeParam string) *url.URL {
	out := *in
	out.Scheme = u.cfg.Scheme
	out.Host = u.cfg.Host
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""
	out.RawQuery = stripQueryParam(in.RawQuery, modeParam)
	out.ForceQuery = false
	return &out
}

func stripQueryParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if key == name {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// outboundHeader copies h without hop-by-hop headers and without the given names.
func outboundHeader(h http.Header, drop ...string) http.Header {
	out := h.Clone()
	removeHopByHop(out)
	for _, name := range drop {
		out.Del(name)
	}
	out.Del("Host")
	return out
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Forward sends r upstream and returns the upstream response. The caller owns resp.Body.
func (u *Upstream) Forward(ctx context.Context, r *http.Request, modeParam string, drop []string) (*http.Response, error) {
	target := u.TargetURL(r.URL, modeParam)

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = outboundHeader(r.Header, drop...)

	resp, err := u.client(r.Method).Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("upstream %s %s: %w", r.Method, target.Host, err)
	}
	return resp, nil
}

func (s *Server) relayUpstream(w http.ResponseWriter, r *http.Request, reqData dataType.UserRequest) {
	drop := append([]string{s.cfg.APIKeyHeader}, s.cfg.ConnectingIPHeaders...)

	start := time.Now()
	resp, err := s.upstream.Forward(r.Context(), r, s.cfg.ModeParam, drop)
	if err != nil {
		s.metrics.UpstreamErrors.Inc()
		utils.LogError(reqData, "Upstream request failed: "+err.Error(), "relayUpstream")
		http.Error(w, "502 - Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	s.metrics.observeUpstream(reqData.Uri, resp.StatusCode, time.Since(start))

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	removeHopByHop(header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		utils.LogError(reqData, "Error relaying upstream body: "+err.Error(), "relayUpstream")
	}
}
