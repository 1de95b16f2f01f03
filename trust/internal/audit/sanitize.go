package audit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ssdp-platform/trust/trust/internal/encryption"
)

// Redacted replaces plaintext values of PII and financial fields.
const Redacted = "[REDACTED]"

// cleanText makes s storable as PostgreSQL TEXT and JSONB: invalid UTF-8
// becomes U+FFFD and NUL bytes are removed.
func cleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// sanitize returns a copy of details where every PII or financial key, at
// any depth, holds either an already-encrypted value or Redacted. Keys and
// string values pass through cleanText.
func sanitize(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		k = cleanText(k)
		if encryption.IsSensitiveField(k) && v != nil && !encryption.LooksEncrypted(v) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case map[string]any:
		return sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	}
	return v
}

// normalize round-trips details through JSON so in-memory entries carry the
// same value types as entries read back from storage.
func normalize(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("details are not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("details are not serializable: %w", err)
	}
	return sanitize(out), nil
}
