package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geo_torii/internal/dataType"
	"geo_torii/internal/utils"
)

const healthPingTimeout = 2 * time.Second

func (s *Server) aclStatus(ctx context.Context) string {
	if s.store == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	reqData := processRequestData(s.cfg, s.trusted, r)
	acl := s.aclStatus(r.Context())
	if acl == "error" {
		utils.LogError(reqData, "ACL key-store ping failed", "handleHealthCheck")
	}

	var builder strings.Builder
	builder.WriteString("ok\n")
	builder.WriteString("version=")
	builder.WriteString(dataType.GeoToriiVersion)
	builder.WriteString("\n")
	builder.WriteString("time=")
	builder.WriteString(time.Now().Format(time.RFC3339))
	builder.WriteString("\n")
	builder.WriteString("ts=")
	builder.WriteString(strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 3, 64))
	builder.WriteString("\n")
	builder.WriteString("node=")
	builder.WriteString(s.cfg.NodeName)
	builder.WriteString("\n")
	builder.WriteString("acl=")
	builder.WriteString(acl)
	builder.WriteString("\n")
	builder.WriteString("geoip=")
	builder.WriteString(strconv.FormatBool(s.geo.Enabled()))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(builder.String()))
	if err != nil {
		utils.LogError(reqData, "Error writing response: "+err.Error(), "handleHealthCheck")
		return
	}
}
