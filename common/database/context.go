// Package database provides timeout helpers for trust-layer storage calls.
package database

import (
	"context"
	"time"
)

// Timeouts for audit and ownership storage operations.
const (
	// DefaultQueryTimeout bounds audit log reads and ownership lookups.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultAppendTimeout bounds a single audit append.
	DefaultAppendTimeout = 5 * time.Second

	// DefaultPurgeTimeout bounds a retention purge, which may delete many rows.
	DefaultPurgeTimeout = 2 * time.Minute
)

// QueryContext creates a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// AppendContext creates a context with DefaultAppendTimeout.
func AppendContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultAppendTimeout)
}

// PurgeContext creates a context with DefaultPurgeTimeout.
func PurgeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultPurgeTimeout)
}
