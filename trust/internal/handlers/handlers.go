// Package handlers serves the trust layer's HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ssdp-platform/trust/common/httputil"
	"github.com/ssdp-platform/trust/common/logging"
	commonmw "github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/audit"
	"github.com/ssdp-platform/trust/trust/internal/middleware"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

const maxBodyBytes = 10 << 20

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service *service.TrustService
	pinger  Pinger
	logger  *logging.Logger
}

func NewHandler(svc *service.TrustService, pinger Pinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: svc, pinger: pinger, logger: logger}
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.WithContext(r.Context()).Warn("health check failed", logging.Error(err))
		httputil.WriteJSONAPI(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	httputil.WriteJSONAPI(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListAuditLogs handles GET /api/v1/audit/logs
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	entries, err := h.service.GetLogs(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resources := make([]httputil.Resource, len(entries))
	for i, e := range entries {
		resources[i] = httputil.Resource{Type: "audit_entry", ID: e.ID, Attributes: e}
	}
	httputil.WriteCollection(w, http.StatusOK, resources)
}

// GetAuditEntry handles GET /api/v1/audit/logs/{id}
func (h *Handler) GetAuditEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := h.service.GetEntry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	valid := audit.VerifyIntegrity(entry)
	httputil.WriteJSONAPI(w, http.StatusOK, map[string]any{
		"data": httputil.Resource{Type: "audit_entry", ID: entry.ID, Attributes: entry},
		"meta": map[string]any{"integrity_verified": valid},
	})
}

// ExportAuditLogs handles GET /api/v1/audit/export?format=json|csv
func (h *Handler) ExportAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	data, err := h.service.Export(r.Context(), filter, format)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=audit-export."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifyAuditLog handles POST /api/v1/audit/verify
func (h *Handler) VerifyAuditLog(w http.ResponseWriter, r *http.Request) {
	index, ok, err := h.service.VerifyAll(r.Context())
	var ierr *models.IntegrityError
	if err != nil && !errors.As(err, &ierr) {
		h.writeServiceError(w, r, err)
		return
	}

	attrs := map[string]any{"verified": ok, "first_invalid_index": index}
	if ierr != nil {
		attrs["entry_id"] = ierr.EntryID
	}
	httputil.WriteResource(w, http.StatusOK, "integrity_report", strconv.FormatInt(time.Now().UTC().Unix(), 10), attrs)
}

type complianceScanRequest struct {
	Items []models.ScanItem `json:"items"`
}

// ComplianceScan handles POST /api/v1/compliance/scan
func (h *Handler) ComplianceScan(w http.ResponseWriter, r *http.Request) {
	var req complianceScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := h.service.GetComplianceReport(r.Context(), models.ComplianceScope{Items: req.Items})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteResource(w, http.StatusOK, "compliance_report", report.GeneratedAt.Format(time.RFC3339Nano), report)
}

// ListRoles handles GET /api/v1/roles
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles := h.service.Roles()
	resources := make([]httputil.Resource, len(roles))
	for i, role := range roles {
		resources[i] = httputil.Resource{
			Type:       "role",
			ID:         string(role),
			Attributes: map[string]any{"permissions": h.service.Permissions(role)},
		}
	}
	httputil.WriteCollection(w, http.StatusOK, resources)
}

type accessCheckRequest struct {
	Action       string              `json:"action"`
	ResourceType models.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id,omitempty"`
}

// CheckAccess handles POST /api/v1/access/check. The caller's own identity
// is evaluated, so the endpoint never reveals another user's grants.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req accessCheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := h.service.Decide(r.Context(), models.AccessRequest{
		UserID:       actor.UserID,
		Role:         actor.Role,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		IPAddress:    commonmw.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteResource(w, http.StatusOK, "access_decision", decision.EntryID, decision)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			logging.Error(err),
		)
		httputil.WriteError(w, status, "request could not be completed")
		return
	}
	httputil.WriteError(w, status, err.Error())
}

func filterFromQuery(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		UserID:       q.Get("user_id"),
		ResourceType: models.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Action:       models.AuditAction(strings.ToUpper(q.Get("action"))),
		Severity:     models.Severity(strings.ToUpper(q.Get("severity"))),
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, models.NewValidationError("limit", "must be an integer")
		}
		f.Limit = n
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, models.NewValidationError(name, "must be an RFC 3339 timestamp")
			}
			*dst = t.UTC()
		}
	}
	return f, nil
}
