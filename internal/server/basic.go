package server

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"geo_torii/internal/dataType"
	"geo_torii/internal/utils"
)

const edgeCountryHeader = "CF-IPCountry"

func isBasicMode(r *http.Request, modeParam string) bool {
	values, ok := r.URL.Query()[modeParam]
	if !ok || len(values) == 0 {
		return false
	}
	return strings.TrimSpace(values[0]) == "basic"
}

func (s *Server) connectionMeta(r *http.Request, reqData dataType.UserRequest) dataType.ConnectionMeta {
	meta := dataType.ConnectionMeta{
		IP:                   reqData.RemoteIP,
		HTTPProtocol:         r.Proto,
		ClientAcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
	if reqData.EdgeTrusted {
		meta.EdgeCountry = r.Header.Get(edgeCountryHeader)
	}
	if r.TLS != nil {
		meta.TLSVersion = tls.VersionName(r.TLS.Version)
		meta.TLSCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
	}
	if ip := net.ParseIP(reqData.RemoteIP); ip != nil {
		if err := s.geo.Enrich(ip, &meta); err != nil {
			utils.LogDebug(reqData, "GeoIP lookup failed: "+err.Error(), "connectionMeta")
		}
	}
	return meta
}

func (s *Server) handleBasic(w http.ResponseWriter, r *http.Request, reqData dataType.UserRequest) {
	meta := s.connectionMeta(r, reqData)
	s.metrics.BasicResponses.Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		utils.LogError(reqData, "Error writing response: "+err.Error(), "handleBasic")
	}
}
