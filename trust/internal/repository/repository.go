// Package repository persists audit entries and ownership facts.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

var (
	ErrEntryNotFound  = errors.New("audit entry not found")
	ErrDuplicateEntry = errors.New("audit entry already exists")
	// ErrEntryRejected marks an append that will fail on every retry, such
	// as a value the database cannot represent.
	ErrEntryRejected = errors.New("audit entry rejected by store")
)

// Store is the append-only audit log backend. Append must be atomic per
// entry and Query must return entries in insertion order.
type Store interface {
	// Append persists entry, sets entry.Sequence and returns the entry ID.
	Append(ctx context.Context, entry *models.AuditLogEntry) (string, error)
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error)
	Get(ctx context.Context, id string) (*models.AuditLogEntry, error)
	// PurgeBefore removes entries with a timestamp strictly before cutoff
	// and returns the number removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// CountBefore returns how many entries PurgeBefore(cutoff) would remove.
	CountBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
