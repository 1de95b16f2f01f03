package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/migrations"
)

// setupTestDatabase starts a PostgreSQL container and applies the schema.
func setupTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("trust_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(connStr))

	pool, err := NewPool(ctx, connStr, 5)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := setupTestDatabase(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()
	base := time.Date(2016, 3, 1, 12, 0, 0, 123456000, time.UTC)

	t.Run("append and query in insertion order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			e := newEntry(fmt.Sprintf("pg-%d", i), "u-pg", base.AddDate(i*3, 0, 0))
			e.Details = map[string]any{"count": float64(i), "fields": []any{"email"}}
			_, err := store.Append(ctx, e)
			require.NoError(t, err)
			assert.Positive(t, e.Sequence)
		}

		entries, err := store.Query(ctx, models.AuditFilter{UserID: "u-pg"})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "pg-0", entries[0].ID)
		assert.Equal(t, base, entries[0].Timestamp)
		assert.Equal(t, []any{"email"}, entries[0].Details["fields"])
		assert.Less(t, entries[0].Sequence, entries[1].Sequence)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := store.Append(ctx, newEntry("pg-0", "u-pg", base))
		assert.ErrorIs(t, err, ErrDuplicateEntry)
	})

	t.Run("unrepresentable values are rejected", func(t *testing.T) {
		e := newEntry("pg-bad-utf8", "u-pg", base)
		e.UserAgent = "curl\xff"
		_, err := store.Append(ctx, e)
		assert.ErrorIs(t, err, ErrEntryRejected)

		e = newEntry("pg-bad-nul", "u-pg", base)
		e.Details = map[string]any{"note": "a\x00b"}
		_, err = store.Append(ctx, e)
		assert.ErrorIs(t, err, ErrEntryRejected)
	})

	t.Run("filters and limit", func(t *testing.T) {
		entries, err := store.Query(ctx, models.AuditFilter{
			ResourceType: models.ResourceOutlet,
			From:         base.AddDate(1, 0, 0),
			Limit:        1,
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "pg-1", entries[0].ID)
	})

	t.Run("get", func(t *testing.T) {
		e, err := store.Get(ctx, "pg-2")
		require.NoError(t, err)
		assert.Equal(t, "c-pg-2", e.Checksum)

		_, err = store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("purge", func(t *testing.T) {
		cutoff := base.AddDate(4, 0, 0)
		n, err := store.CountBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		removed, err := store.PurgeBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		remaining, err := store.Query(ctx, models.AuditFilter{UserID: "u-pg"})
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "pg-2", remaining[0].ID)
	})

	require.NoError(t, store.Ping(ctx))
}

func TestPostgresOwnership(t *testing.T) {
	pool := setupTestDatabase(t)
	owners := NewPostgresOwnership(pool)
	ctx := context.Background()

	owns, err := owners.Owns(ctx, "owner-1", models.ResourceOutlet, "outlet-7")
	require.NoError(t, err)
	assert.False(t, owns)

	require.NoError(t, owners.Grant(ctx, "owner-1", models.ResourceOutlet, "outlet-7"))
	require.NoError(t, owners.Grant(ctx, "owner-1", models.ResourceOutlet, "outlet-7"))

	owns, err = owners.Owns(ctx, "owner-1", models.ResourceOutlet, "outlet-7")
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = owners.Owns(ctx, "owner-2", models.ResourceOutlet, "outlet-7")
	require.NoError(t, err)
	assert.False(t, owns)
}
