package models

import (
	"strings"
	"time"
)

// AuditAction is the kind of operation recorded by an audit entry.
type AuditAction string

const (
	ActionCreate        AuditAction = "CREATE"
	ActionRead          AuditAction = "READ"
	ActionUpdate        AuditAction = "UPDATE"
	ActionDelete        AuditAction = "DELETE"
	ActionSecurityEvent AuditAction = "SECURITY_EVENT"
)

// Valid reports whether a is one of the known audit actions.
func (a AuditAction) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSecurityEvent:
		return true
	}
	return false
}

// ResourceType identifies the kind of resource an entry or permission refers to.
type ResourceType string

const (
	ResourceUser        ResourceType = "user"
	ResourceOutlet      ResourceType = "outlet"
	ResourceOrder       ResourceType = "order"
	ResourceInvoice     ResourceType = "invoice"
	ResourcePayment     ResourceType = "payment"
	ResourceSalesRep    ResourceType = "sales_rep"
	ResourceDriver      ResourceType = "driver"
	ResourceVehicle     ResourceType = "vehicle"
	ResourceProduct     ResourceType = "product"
	ResourceRoute       ResourceType = "route"
	ResourceReport      ResourceType = "report"
	ResourceSystem      ResourceType = "system"
	ResourcePHI         ResourceType = "phi"
	ResourceFinancial   ResourceType = "financial"
	ResourceVisit       ResourceType = "visit"
	ResourceCreditLimit ResourceType = "credit_limit"
)

var resourceTypes = []ResourceType{
	ResourceUser, ResourceOutlet, ResourceOrder, ResourceInvoice, ResourcePayment,
	ResourceSalesRep, ResourceDriver, ResourceVehicle, ResourceProduct, ResourceRoute,
	ResourceReport, ResourceSystem, ResourcePHI, ResourceFinancial, ResourceVisit,
	ResourceCreditLimit,
}

// ResourceTypes returns every known resource type.
func ResourceTypes() []ResourceType {
	out := make([]ResourceType, len(resourceTypes))
	copy(out, resourceTypes)
	return out
}

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	for _, known := range resourceTypes {
		if r == known {
			return true
		}
	}
	return false
}

// Severity is an ordered level shared by audit entries and compliance violations.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns the ordinal of s, or -1 when s is unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Valid() && s.Rank() >= other.Rank()
}

// ParseSeverity accepts any casing of a known severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// AuditLogEntry is a single append-only record in the audit log.
// Sequence is the insertion index assigned by the store and is not covered
// by the checksum.
type AuditLogEntry struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	Action       AuditAction    `json:"action"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Details      map[string]any `json:"details"`
	Severity     Severity       `json:"severity"`
	Checksum     string         `json:"checksum"`
}

// Clone returns a deep copy of the entry so stores can hand out values
// callers are free to mutate.
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		c.Details = cloneMap(e.Details)
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}

// AuditFilter selects entries from the log. Zero values match everything.
// Results are always returned in insertion order.
type AuditFilter struct {
	UserID       string       `json:"user_id,omitempty"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Action       AuditAction  `json:"action,omitempty"`
	Severity     Severity     `json:"severity,omitempty"`
	From         time.Time    `json:"from,omitzero"`
	To           time.Time    `json:"to,omitzero"`
	Limit        int          `json:"limit,omitempty"`
}

// Matches reports whether e satisfies every set criterion except Limit.
// From is inclusive, To is exclusive.
func (f AuditFilter) Matches(e *AuditLogEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}
