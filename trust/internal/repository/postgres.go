package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ssdp-platform/trust/common/database"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// PostgresStore persists audit entries in the audit_log table. The bigserial
// sequence column gives insertion order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx pool sized for audit traffic and verifies connectivity.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const auditColumns = `sequence, id, timestamp, user_id, action, resource_type, resource_id,
	ip_address, user_agent, details, severity, checksum`

func (s *PostgresStore) Append(ctx context.Context, entry *models.AuditLogEntry) (string, error) {
	ctx, cancel := database.AppendContext(ctx)
	defer cancel()

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal audit details: %w", ErrEntryRejected, err)
	}

	query := `
		INSERT INTO audit_log (id, timestamp, user_id, action, resource_type, resource_id,
		                       ip_address, user_agent, details, severity, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sequence
	`

	var seq int64
	err = s.pool.QueryRow(ctx, query,
		entry.ID, entry.Timestamp, entry.UserID, string(entry.Action), string(entry.ResourceType),
		entry.ResourceID, entry.IPAddress, entry.UserAgent, details, string(entry.Severity), entry.Checksum,
	).Scan(&seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" {
				return "", ErrDuplicateEntry
			}
			if isDataException(pgErr) {
				return "", fmt.Errorf("%w: %w", ErrEntryRejected, err)
			}
		}
		return "", fmt.Errorf("failed to append audit entry: %w", err)
	}

	entry.Sequence = seq
	return entry.ID, nil
}

// isDataException reports SQLSTATE class 22, e.g. 22021 invalid byte sequence
// or 22P05 untranslatable character in jsonb.
func isDataException(pgErr *pgconn.PgError) bool {
	return strings.HasPrefix(pgErr.Code, "22")
}

func (s *PostgresStore) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	where, args := buildWhere(filter)
	query := "SELECT " + auditColumns + " FROM audit_log" + where + " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.AuditLogEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, "SELECT "+auditColumns+" FROM audit_log WHERE id = $1", id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := database.PurgeContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM audit_log WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log WHERE timestamp < $1", cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func buildWhere(f models.AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(row pgx.Row) (*models.AuditLogEntry, error) {
	var (
		e                              models.AuditLogEntry
		action, resourceType, severity string
		details                        []byte
	)
	err := row.Scan(&e.Sequence, &e.ID, &e.Timestamp, &e.UserID, &action, &resourceType, &e.ResourceID,
		&e.IPAddress, &e.UserAgent, &details, &severity, &e.Checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.Action = models.AuditAction(action)
	e.ResourceType = models.ResourceType(resourceType)
	e.Severity = models.Severity(severity)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}
	return &e, nil
}
