package audit

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// canonicalEntry fixes the field order hashed into a checksum. Map keys in
// Details are sorted by encoding/json at every depth. Sequence and Checksum
// are deliberately absent.
type canonicalEntry struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Details      map[string]any `json:"details"`
	Severity     string         `json:"severity"`
}

// ComputeChecksum returns the hex SHA-256 of the entry's canonical form.
// Entries holding invalid UTF-8 have no checksum: encoding/json would map
// distinct byte strings to the same replacement character.
func ComputeChecksum(e *models.AuditLogEntry) (string, error) {
	if field, ok := invalidText(e); ok {
		return "", fmt.Errorf("canonicalize audit entry: %s is not valid UTF-8", field)
	}

	c := canonicalEntry{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:       e.UserID,
		Action:       string(e.Action),
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Details:      e.Details,
		Severity:     string(e.Severity),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the checksum from the entry's current fields
// and compares it to the stored one in constant time.
func VerifyIntegrity(e *models.AuditLogEntry) bool {
	if e == nil {
		return false
	}
	computed, err := ComputeChecksum(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(e.Checksum)) == 1
}

// invalidText returns the first field holding invalid UTF-8.
func invalidText(e *models.AuditLogEntry) (string, bool) {
	fields := []struct {
		name  string
		value string
	}{
		{"user_id", e.UserID},
		{"resource_id", e.ResourceID},
		{"ip_address", e.IPAddress},
		{"user_agent", e.UserAgent},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return f.name, true
		}
	}
	if !validValue(e.Details) {
		return "details", true
	}
	return "", false
}

func validValue(v any) bool {
	switch t := v.(type) {
	case string:
		return utf8.ValidString(t)
	case map[string]any:
		for k, item := range t {
			if !utf8.ValidString(k) || !validValue(item) {
				return false
			}
		}
	case []any:
		for _, item := range t {
			if !validValue(item) {
				return false
			}
		}
	}
	return true
}
