package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"geo_torii/internal/action"
	"geo_torii/internal/check"
	"geo_torii/internal/config"
	"geo_torii/internal/dataType"
	"geo_torii/internal/geo"
	"geo_torii/internal/keystore"
	"geo_torii/internal/utils"

	"github.com/google/uuid"
)

// Deps are the long lived resources a Server uses. Any of them may be nil:
// a nil Store disables the ACL (every request is silently denied), a nil Geo
// leaves the geo fields of basic mode empty, and a nil TrustedProxies trusts
// every peer.
type Deps struct {
	Store          keystore.Backend
	Geo            *geo.Manager
	TrustedProxies *dataType.TrieNode
}

type Server struct {
	cfg      *config.MainConfig
	store    keystore.Backend
	geo      *geo.Manager
	trusted  *dataType.TrieNode
	upstream *Upstream
	metrics  *Metrics
	scrape   http.Handler
}

type unauthorizedBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewServer(cfg *config.MainConfig, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		geo:      deps.Geo,
		trusted:  deps.TrustedProxies,
		upstream: NewUpstream(cfg.Upstream),
		metrics:  NewMetrics(),
	}
	s.scrape = s.metrics.Handler()
	return s
}

// ServeHTTP routes the operational endpoints under web_path; every other
// path goes through the ACL untouched.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case s.cfg.WebPath + "/health_check":
		s.handleHealthCheck(w, r)
	case s.cfg.WebPath + "/metrics":
		s.scrape.ServeHTTP(w, r)
	default:
		s.handleACL(w, r)
	}
}

// StartServer serves on cfg.Port until the server is shut down.
func StartServer(srv *http.Server) error {
	log.Printf("HTTP Server listening on %s ...", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewHTTPServer wraps s in an http.Server bound to cfg.Port.
func NewHTTPServer(cfg *config.MainConfig, s *Server) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

func (s *Server) handleACL(w http.ResponseWriter, r *http.Request) {
	reqData := processRequestData(s.cfg, s.trusted, r)
	w.Header().Set("X-Request-Id", reqData.RequestID)

	res := s.evaluate(r.Context(), reqData)

	switch res.Action() {
	case action.Allowed:
		if isBasicMode(r, s.cfg.ModeParam) {
			utils.LogInfo(reqData, "ACL allowed", "basic")
			s.handleBasic(w, r, reqData)
			return
		}
		utils.LogInfo(reqData, "ACL allowed", "upstream")
		s.relayUpstream(w, r, reqData)
	case action.Denied:
		reason, _ := res.Reason()
		if cause := res.Cause(); cause != nil {
			utils.LogError(reqData, "ACL denied: "+reason, cause.Error())
		} else {
			utils.LogInfo(reqData, "ACL denied", reason)
		}
		writeDenied(w, reqData, reason)
	default:
		if cause := res.Cause(); cause != nil {
			utils.LogError(reqData, "ACL denied silently", cause.Error())
		} else {
			utils.LogInfo(reqData, "ACL denied silently", res.Action().String())
		}
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func (s *Server) evaluate(ctx context.Context, reqData dataType.UserRequest) action.Result {
	if timeout := s.cfg.ACL.LookupTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var store keystore.Store
	if s.store != nil {
		store = s.store
	}
	start := time.Now()
	res := check.EvaluateAccess(ctx, reqData.Input(), store)
	s.metrics.observeDecision(res, time.Since(start))
	return res
}

func writeDenied(w http.ResponseWriter, reqData dataType.UserRequest, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(unauthorizedBody{Error: "unauthorized", Message: reason}); err != nil {
		utils.LogError(reqData, "Error writing response: "+err.Error(), "writeDenied")
	}
}

func processRequestData(cfg *config.MainConfig, trusted *dataType.TrieNode, r *http.Request) dataType.UserRequest {
	peerIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerIP = r.RemoteAddr
	}

	edgeTrusted := trusted.Empty()
	if !edgeTrusted {
		if ip := net.ParseIP(peerIP); ip != nil {
			edgeTrusted = trusted.Search(ip)
		}
	}

	var clientIP string
	if edgeTrusted {
		for _, headerName := range cfg.ConnectingIPHeaders {
			if clientIP = edgeHeaderValue(r.Header, headerName); clientIP != "" {
				break
			}
		}
	} else if hasAnyHeader(r.Header, cfg.ConnectingIPHeaders) {
		log.Printf("[SECURITY] ignoring edge headers from untrusted peer %s", peerIP)
	}
	if clientIP == "" && cfg.FallbackRemoteAddr {
		clientIP = peerIP
	}

	apiKeyValues, apiKeyPresent := r.Header[http.CanonicalHeaderKey(cfg.APIKeyHeader)]
	var apiKey string
	if len(apiKeyValues) > 0 {
		apiKey = apiKeyValues[0]
	}

	return dataType.UserRequest{
		RequestID:     uuid.NewString(),
		RemoteIP:      clientIP,
		PeerIP:        peerIP,
		Uri:           r.URL.RequestURI(),
		Host:          r.Host,
		UserAgent:     r.UserAgent(),
		APIKey:        apiKey,
		APIKeyPresent: apiKeyPresent,
		EdgeTrusted:   edgeTrusted,
	}
}

// listValuedHeaders are appended to by every proxy on the way, so only the
// rightmost entry was written by the trusted peer.
var listValuedHeaders = map[string]bool{
	"X-Forwarded-For": true,
}

// edgeHeaderValue returns the origin carried by name. Single-valued headers
// are passed through as sent by the edge.
func edgeHeaderValue(h http.Header, name string) string {
	if !listValuedHeaders[http.CanonicalHeaderKey(name)] {
		return h.Get(name)
	}
	values := h.Values(name)
	if len(values) == 0 {
		return ""
	}
	entries := strings.Split(values[len(values)-1], ",")
	return strings.TrimSpace(entries[len(entries)-1])
}

func hasAnyHeader(h http.Header, names []string) bool {
	for _, name := range names {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}
