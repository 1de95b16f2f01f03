package logging

import "log/slog"

// Common field names for consistent logging across the trust layer.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldUserID     = "user_id"
	FieldRole       = "role"
	FieldIP         = "ip"
	FieldError      = "error"
	FieldEntryID    = "entry_id"
	FieldPermission = "permission"
	FieldStandard   = "standard"
	FieldSeverity   = "severity"
	FieldAttempts   = "attempts"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// UserID returns a slog attribute for the acting user ID.
func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

// Role returns a slog attribute for an RBAC role.
func Role(role string) slog.Attr {
	return slog.String(FieldRole, role)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// EntryID returns a slog attribute for an audit entry ID.
func EntryID(id string) slog.Attr {
	return slog.String(FieldEntryID, id)
}

// Permission returns a slog attribute for a permission string.
func Permission(p string) slog.Attr {
	return slog.String(FieldPermission, p)
}

// Standard returns a slog attribute for a compliance standard.
func Standard(s string) slog.Attr {
	return slog.String(FieldStandard, s)
}

// Severity returns a slog attribute for an audit or compliance severity.
func Severity(s string) slog.Attr {
	return slog.String(FieldSeverity, s)
}

// Attempts returns a slog attribute for a retry attempt count.
func Attempts(n int) slog.Attr {
	return slog.Int(FieldAttempts, n)
}
