// Package audit implements the append-only, checksum-protected audit log.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
)

// DefaultRetention is the minimum age of entries eligible for purge.
const DefaultRetention = 7 * 365 * 24 * time.Hour

// SecurityEventResourceID is the resource id recorded on security events.
const SecurityEventResourceID = "security_event"

// Sink receives entries for persistence. *Writer is the production sink.
type Sink interface {
	Enqueue(entry *models.AuditLogEntry)
	Flush(ctx context.Context) error
}

// Event describes an audited action before it becomes an entry.
type Event struct {
	UserID       string
	Action       models.AuditAction
	ResourceType models.ResourceType
	ResourceID   string
	IPAddress    string
	UserAgent    string
	Details      map[string]any
	Severity     models.Severity
}

// Logger builds audit entries and hands them to a Sink. Reads go straight to
// the store, so entries still in flight are not visible until flushed.
type Logger struct {
	store     repository.Store
	sink      Sink
	alerter   Alerter
	logger    *logging.Logger
	retention time.Duration
	now       func() time.Time
}

// Option customizes a Logger.
type Option func(*Logger)

// WithAlerter sets where integrity alerts are sent.
func WithAlerter(a Alerter) Option {
	return func(l *Logger) { l.alerter = a }
}

// WithLogger sets the operational logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(store repository.Store, sink Sink, opts ...Option) *Logger {
	l := &Logger{
		store:     store,
		sink:      sink,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	if l.alerter == nil {
		l.alerter = NewLogAlerter(l.logger)
	}
	return l
}

// Retention returns the configured retention window.
func (l *Logger) Retention() time.Duration {
	return l.retention
}

// Log validates ev, builds a checksummed entry and enqueues it. The returned
// entry is a copy owned by the caller.
func (l *Logger) Log(ctx context.Context, ev Event) (*models.AuditLogEntry, error) {
	entry, err := l.build(ctx, ev)
	if err != nil {
		return nil, err
	}

	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Action), string(entry.Severity)).Inc()
	out := entry.Clone()
	l.sink.Enqueue(entry)
	return out, nil
}

func (l *Logger) build(ctx context.Context, ev Event) (*models.AuditLogEntry, error) {
	ev.UserID = cleanText(ev.UserID)
	ev.ResourceID = cleanText(ev.ResourceID)
	ev.IPAddress = cleanText(ev.IPAddress)
	ev.UserAgent = cleanText(ev.UserAgent)

	if ev.UserID == "" {
		return nil, models.NewValidationError("user_id", "must not be empty")
	}
	if !ev.Action.Valid() {
		return nil, models.NewValidationError("action", "unknown action %q", ev.Action)
	}
	if !ev.ResourceType.Valid() {
		return nil, models.NewValidationError("resource_type", "unknown resource type %q", ev.ResourceType)
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityInfo
	}
	if !ev.Severity.Valid() {
		return nil, models.NewValidationError("severity", "unknown severity %q", ev.Severity)
	}

	details, err := normalize(ev.Details)
	if err != nil {
		return nil, models.NewValidationError("details", "%v", err)
	}
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		if _, set := details["request_id"]; !set {
			details["request_id"] = reqID
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate audit entry id: %w", err)
	}

	entry := &models.AuditLogEntry{
		ID:           id.String(),
		Timestamp:    l.now().UTC().Truncate(time.Microsecond),
		UserID:       ev.UserID,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
		Details:      details,
		Severity:     ev.Severity,
	}
	entry.Checksum, err = ComputeChecksum(entry)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LogDataAccess records a read of the named fields.
func (l *Logger) LogDataAccess(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string, fieldsAccessed []string, ip string) (*models.AuditLogEntry, error) {
	fields := make([]any, len(fieldsAccessed))
	for i, f := range fieldsAccessed {
		fields[i] = f
	}
	return l.Log(ctx, Event{
		UserID:       userID,
		Action:       models.ActionRead,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ip,
		Details:      map[string]any{"fields_accessed": fields},
		Severity:     models.SeverityInfo,
	})
}

// LogModification records a create, update or delete. Plaintext values of
// sensitive fields in changes are redacted.
func (l *Logger) LogModification(ctx context.Context, userID string, action models.AuditAction, resourceType models.ResourceType, resourceID string, changes map[string]any) (*models.AuditLogEntry, error) {
	switch action {
	case models.ActionCreate, models.ActionUpdate, models.ActionDelete:
	default:
		return nil, models.NewValidationError("action", "%q is not a modification", action)
	}

	var details map[string]any
	if len(changes) > 0 {
		details = map[string]any{"changes": changes}
	}
	return l.Log(ctx, Event{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Severity:     models.SeverityInfo,
	})
}

// LogSecurityEvent records a security event against the system resource.
// An empty severity defaults to WARNING.
func (l *Logger) LogSecurityEvent(ctx context.Context, userID, eventType string, details map[string]any, severity models.Severity) (*models.AuditLogEntry, error) {
	if eventType == "" {
		return nil, models.NewValidationError("event_type", "must not be empty")
	}
	if severity == "" {
		severity = models.SeverityWarning
	}

	merged := make(map[string]any, len(details)+1)
	for k, v := range details {
		merged[k] = v
	}
	merged["event_type"] = eventType

	return l.Log(ctx, Event{
		UserID:       userID,
		Action:       models.ActionSecurityEvent,
		ResourceType: models.ResourceSystem,
		ResourceID:   SecurityEventResourceID,
		Details:      merged,
		Severity:     severity,
	})
}

// Flush waits for in-flight entries to reach the store.
func (l *Logger) Flush(ctx context.Context) error {
	return l.sink.Flush(ctx)
}

// GetLogs returns stored entries matching filter in insertion order.
func (l *Logger) GetLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	entries, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return entries, nil
}

// GetEntry returns a stored entry by id.
func (l *Logger) GetEntry(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	return l.store.Get(ctx, id)
}

// VerifyEntry loads an entry by id and verifies its checksum. A missing
// entry is reported as not verified.
func (l *Logger) VerifyEntry(ctx context.Context, id string) (bool, error) {
	entry, err := l.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return VerifyIntegrity(entry), nil
}

// VerifyAll scans the log in insertion order. It returns the index of the
// first tampered entry and an *models.IntegrityError, or (-1, true, nil)
// when every entry verifies.
func (l *Logger) VerifyAll(ctx context.Context) (int, bool, error) {
	entries, err := l.store.Query(ctx, models.AuditFilter{})
	if err != nil {
		return -1, false, fmt.Errorf("failed to load audit log: %w", err)
	}

	for i, e := range entries {
		if VerifyIntegrity(e) {
			continue
		}
		metrics.AuditIntegrityFailures.Inc()
		ierr := &models.IntegrityError{EntryID: e.ID, Index: i, Reason: "checksum mismatch"}
		l.alerter.Alert(ctx, criticalAlert(KindIntegrityFailure, "audit log integrity check failed", e.ID, ierr))
		return i, false, ierr
	}

	l.logger.DebugContext(ctx, "audit log verified", slog.Int("entries", len(entries)))
	return -1, true, nil
}

func validateFilter(f models.AuditFilter) error {
	if f.ResourceType != "" && !f.ResourceType.Valid() {
		return models.NewValidationError("resource_type", "unknown resource type %q", f.ResourceType)
	}
	if f.Action != "" && !f.Action.Valid() {
		return models.NewValidationError("action", "unknown action %q", f.Action)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return models.NewValidationError("severity", "unknown severity %q", f.Severity)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return models.NewValidationError("to", "must not be before from")
	}
	if f.Limit < 0 {
		return models.NewValidationError("limit", "must not be negative")
	}
	return nil
}
