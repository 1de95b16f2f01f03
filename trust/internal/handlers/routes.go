package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonmw "github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/middleware"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/ratelimit"
)

// Routes builds trustd's HTTP surface. /healthz and /metrics are open; every
// /api/v1 route is rate limited and authenticated, and most require a
// permission on top. Client addresses come from forwarding headers only when
// the peer is one of proxies.
func (h *Handler) Routes(sec *middleware.Security, limiter ratelimit.RateLimiter, proxies *commonmw.TrustedProxies) http.Handler {
	api := http.NewServeMux()

	system := func(action string, fn http.HandlerFunc) http.Handler {
		return sec.RequirePermission(action, models.ResourceSystem, nil)(fn)
	}

	api.Handle("GET /api/v1/audit/logs", system("read", h.ListAuditLogs))
	api.Handle("GET /api/v1/audit/logs/{id}", system("read", h.GetAuditEntry))
	api.Handle("GET /api/v1/audit/export", system("export", h.ExportAuditLogs))
	api.Handle("POST /api/v1/audit/verify", system("read", h.VerifyAuditLog))
	api.Handle("POST /api/v1/compliance/scan",
		sec.RequirePermission("read", models.ResourceReport, nil)(http.HandlerFunc(h.ComplianceScan)))
	api.Handle("GET /api/v1/roles", sec.Authenticate(http.HandlerFunc(h.ListRoles)))
	api.Handle("POST /api/v1/access/check", sec.Authenticate(http.HandlerFunc(h.CheckAccess)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", sec.RateLimit(limiter)(api))

	return commonmw.RequestID(commonmw.RealIP(proxies)(mux))
}
