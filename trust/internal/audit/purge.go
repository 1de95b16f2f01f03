package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// EventRetentionPurge is the event type recorded before a purge.
const EventRetentionPurge = "audit_retention_purge"

// Purge removes entries older than before. before must lie outside the
// retention window. A SECURITY_EVENT documenting the actor, time, cutoff and
// count is written synchronously to the store first; if that write fails
// nothing is removed.
func (l *Logger) Purge(ctx context.Context, actorID string, before time.Time) (int64, error) {
	if actorID == "" {
		return 0, models.NewValidationError("actor_id", "must not be empty")
	}
	now := l.now().UTC()
	if before.After(now.Add(-l.retention)) {
		return 0, models.NewValidationError("before",
			"cutoff %s is inside the %s retention window", before.UTC().Format(time.RFC3339), l.retention)
	}

	count, err := l.store.CountBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to count purge candidates: %w", err)
	}

	entry, err := l.build(ctx, Event{
		UserID:       actorID,
		Action:       models.ActionSecurityEvent,
		ResourceType: models.ResourceSystem,
		ResourceID:   SecurityEventResourceID,
		Severity:     models.SeverityWarning,
		Details: map[string]any{
			"event_type":  EventRetentionPurge,
			"purged_by":   actorID,
			"purged_at":   now.Format(time.RFC3339Nano),
			"cutoff":      before.UTC().Format(time.RFC3339Nano),
			"entry_count": count,
			"retention":   l.retention.String(),
		},
	})
	if err != nil {
		return 0, err
	}
	if _, err := l.store.Append(ctx, entry); err != nil {
		return 0, &models.StorageUnavailableError{EntryID: entry.ID, Attempts: 1, Err: err}
	}

	removed, err := l.store.PurgeBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	if removed != count {
		l.logger.WarnContext(ctx, "purge removed a different number of entries than recorded",
			slog.Int64("recorded", count), slog.Int64("removed", removed))
	}

	l.logger.InfoContext(ctx, "audit log purged",
		logging.UserID(actorID),
		logging.EntryID(entry.ID),
		slog.Int64("removed", removed),
		slog.Time("cutoff", before))
	return removed, nil
}
