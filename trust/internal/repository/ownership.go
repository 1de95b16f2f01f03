package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ssdp-platform/trust/common/database"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// PostgresOwnership answers ownership questions from the resource_owners table.
type PostgresOwnership struct {
	pool *pgxpool.Pool
}

func NewPostgresOwnership(pool *pgxpool.Pool) *PostgresOwnership {
	return &PostgresOwnership{pool: pool}
}

// Owns reports whether userID owns the resource.
func (o *PostgresOwnership) Owns(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM resource_owners
			WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3
		)
	`
	var owns bool
	if err := o.pool.QueryRow(ctx, query, userID, string(resourceType), resourceID).Scan(&owns); err != nil {
		return false, fmt.Errorf("failed to check ownership: %w", err)
	}
	return owns, nil
}

// Grant records userID as an owner of the resource. Granting twice is a no-op.
func (o *PostgresOwnership) Grant(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) error {
	ctx, cancel := database.AppendContext(ctx)
	defer cancel()

	query := `
		INSERT INTO resource_owners (user_id, resource_type, resource_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	if _, err := o.pool.Exec(ctx, query, userID, string(resourceType), resourceID); err != nil {
		return fmt.Errorf("failed to grant ownership: %w", err)
	}
	return nil
}

// OwnershipGranter records ownership facts.
type OwnershipGranter interface {
	Grant(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) error
}

type ownerKey struct {
	userID       string
	resourceType models.ResourceType
	resourceID   string
}

// InMemoryOwnership is the ownership table used with the in-memory store.
type InMemoryOwnership struct {
	mu     sync.RWMutex
	owners map[ownerKey]struct{}
}

func NewInMemoryOwnership() *InMemoryOwnership {
	return &InMemoryOwnership{owners: make(map[ownerKey]struct{})}
}

func (o *InMemoryOwnership) Owns(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.owners[ownerKey{userID, resourceType, resourceID}]
	return ok, nil
}

func (o *InMemoryOwnership) Grant(ctx context.Context, userID string, resourceType models.ResourceType, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[ownerKey{userID, resourceType, resourceID}] = struct{}{}
	return nil
}
