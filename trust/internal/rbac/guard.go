package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/audit"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// EventAccessDenied is the event type recorded on denied access.
const EventAccessDenied = "access_denied"

// Recorder receives one audit event per access decision. *audit.Logger
// implements it.
type Recorder interface {
	Log(ctx context.Context, ev audit.Event) (*models.AuditLogEntry, error)
}

// OwnershipOracle answers whether a user owns a resource. It is consulted
// only for self-service roles.
type OwnershipOracle interface {
	Owns(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error)
}

// OwnershipFunc adapts a function to OwnershipOracle.
type OwnershipFunc func(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error)

func (f OwnershipFunc) Owns(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error) {
	return f(ctx, userID, resourceType, resourceID)
}

// Guard makes access decisions. Precedence is wildcard, then exact
// permission, then ownership for self-service roles; anything else is denied.
type Guard struct {
	roles    *RoleTable
	recorder Recorder
	oracle   OwnershipOracle
	logger   *logging.Logger
	now      func() time.Time
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithOwnershipOracle sets the oracle used for self-service roles. Without
// one, self-service requests are denied.
func WithOwnershipOracle(o OwnershipOracle) GuardOption {
	return func(g *Guard) { g.oracle = o }
}

// WithGuardLogger sets the operational logger.
func WithGuardLogger(logger *logging.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

func NewGuard(roles *RoleTable, recorder Recorder, opts ...GuardOption) *Guard {
	g := &Guard{
		roles:    roles,
		recorder: recorder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Discard()
	}
	return g
}

// Roles returns the guard's role table.
func (g *Guard) Roles() *RoleTable {
	return g.roles
}

// HasPermission reports whether role holds "*" or exactly permission.
// Unknown roles and malformed permissions yield false.
func (g *Guard) HasPermission(role, permission string) bool {
	e, ok := g.roles.roles[models.Role(role)]
	if !ok {
		return false
	}
	if e.wildcard {
		return true
	}
	_, ok = e.exact[permission]
	return ok
}

// CheckAccess decides req and records the outcome.
func (g *Guard) CheckAccess(ctx context.Context, req models.AccessRequest) (bool, error) {
	d, err := g.Decide(ctx, req)
	return d.Granted, err
}

// Decide returns the full decision for req. Exactly one audit entry is
// recorded per call, INFO on grant and WARNING or higher on deny. Only a
// structurally invalid request returns an error without recording.
func (g *Guard) Decide(ctx context.Context, req models.AccessRequest) (models.PermissionDecision, error) {
	if err := validateRequest(req); err != nil {
		return models.PermissionDecision{}, err
	}

	perm := req.Permission()
	d := models.PermissionDecision{
		Permission: perm,
		CheckedAt:  g.now().UTC(),
	}
	severity := models.SeverityWarning

	kind, matched := g.roles.match(req.Role, perm)
	switch {
	case !g.roles.Known(req.Role):
		d.Reason = models.ReasonUnknownRole
	case !matched:
		d.Reason = models.ReasonNoPermission
	case kind == KindWildcard:
		d.Granted, d.Reason = true, models.ReasonWildcard
	case !g.roles.IsSelfService(req.Role):
		d.Granted, d.Reason = true, models.ReasonExactMatch
	default:
		if g.checkOwnership(ctx, req, &d) != nil {
			severity = models.SeverityError
		}
	}
	if d.Granted {
		severity = models.SeverityInfo
	}

	entry, err := g.recorder.Log(ctx, audit.Event{
		UserID:       req.UserID,
		Action:       auditAction(req.Action, d.Granted),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Details:      decisionDetails(req, d),
		Severity:     severity,
	})
	if err != nil {
		d.Granted = false
		return d, fmt.Errorf("failed to record access decision: %w", err)
	}
	d.EntryID = entry.ID

	outcome := "denied"
	if d.Granted {
		outcome = "granted"
	}
	metrics.AccessDecisions.WithLabelValues(roleLabel(g.roles, req.Role), outcome, d.Reason).Inc()

	log := g.logger.WithContext(ctx)
	attrs := []any{
		logging.UserID(req.UserID),
		logging.Role(string(req.Role)),
		logging.Permission(perm),
		slog.String("reason", d.Reason),
		logging.EntryID(entry.ID),
	}
	if d.Granted {
		log.Debug("access granted", attrs...)
	} else {
		log.Info("access denied", attrs...)
	}
	return d, nil
}

func (g *Guard) checkOwnership(ctx context.Context, req models.AccessRequest, d *models.PermissionDecision) error {
	switch {
	case req.ResourceID == "":
		d.Reason = models.ReasonNoResourceID
		return nil
	case g.oracle == nil:
		d.Reason = models.ReasonNoOracle
		return nil
	}

	d.OwnershipChecked = true
	owns, err := g.oracle.Owns(ctx, req.UserID, req.ResourceType, req.ResourceID)
	if err != nil {
		d.Reason = models.ReasonOracleError
		g.logger.WithContext(ctx).Error("ownership check failed",
			logging.UserID(req.UserID),
			slog.String("resource_type", string(req.ResourceType)),
			slog.String("resource_id", req.ResourceID),
			logging.Error(err),
		)
		return err
	}

	d.Owns = owns
	if owns {
		d.Granted, d.Reason = true, models.ReasonOwnership
	} else {
		d.Reason = models.ReasonNotOwner
	}
	return nil
}

func decisionDetails(req models.AccessRequest, d models.PermissionDecision) map[string]any {
	details := map[string]any{
		"user_role":            string(req.Role),
		"permission_requested": d.Permission,
		"access_granted":       d.Granted,
		"reason":               d.Reason,
	}
	if d.OwnershipChecked {
		details["ownership_checked"] = true
		details["owns"] = d.Owns
	}
	if !d.Granted {
		details["event_type"] = EventAccessDenied
	}
	return details
}

// auditAction maps a permission action to the audited action. Denials are
// security events.
func auditAction(action string, granted bool) models.AuditAction {
	if !granted {
		return models.ActionSecurityEvent
	}
	switch action {
	case "create":
		return models.ActionCreate
	case "update", "approve", "reject":
		return models.ActionUpdate
	case "delete":
		return models.ActionDelete
	default:
		return models.ActionRead
	}
}

// roleLabel bounds metric cardinality for unknown roles.
func roleLabel(t *RoleTable, role models.Role) string {
	if t.Known(role) {
		return string(role)
	}
	return "unknown"
}

func validateRequest(req models.AccessRequest) error {
	if req.UserID == "" {
		return models.NewValidationError("user_id", "must not be empty")
	}
	if req.Role == "" || strings.ContainsAny(string(req.Role), ": \t\n") {
		return models.NewValidationError("role", "invalid role %q", req.Role)
	}
	if err := validateAction(req.Action); err != nil {
		return err
	}
	if !req.ResourceType.Valid() {
		return models.NewValidationError("resource_type", "unknown resource type %q", req.ResourceType)
	}
	return nil
}
