package encryption

import (
	"encoding/base64"
	"slices"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

var piiFields = []string{
	"national_id",
	"iqama_id",
	"phone",
	"email",
	"address",
	"birth_date",
	"passport_number",
	"tax_id",
}

var financialFields = []string{
	"credit_limit",
	"current_balance",
	"bank_account",
	"card_number",
	"iban",
	"swift",
}

// PIIFields returns the keys encrypted by EncryptPII.
func PIIFields() []string {
	return slices.Clone(piiFields)
}

// FinancialFields returns the keys encrypted by EncryptFinancial.
func FinancialFields() []string {
	return slices.Clone(financialFields)
}

// IsSensitiveField reports whether key is a designated PII or financial field.
func IsSensitiveField(key string) bool {
	return slices.Contains(piiFields, key) || slices.Contains(financialFields, key)
}

// LooksEncrypted reports whether v is plausibly ciphertext: an envelope, a
// map carrying a ciphertext key, or a standard base64 string long enough to
// hold a nonce and a GCM tag.
func LooksEncrypted(v any) bool {
	switch t := v.(type) {
	case *models.EncryptedField:
		return t != nil && t.Ciphertext != ""
	case models.EncryptedField:
		return t.Ciphertext != ""
	case map[string]any:
		ct, ok := t["ciphertext"].(string)
		return ok && ct != ""
	case string:
		if len(t) < minBlobLen {
			return false
		}
		raw, err := base64.StdEncoding.DecodeString(t)
		return err == nil && len(raw) >= NonceSize+gcmTagSize
	}
	return false
}

const (
	gcmTagSize = 16
	// minBlobLen is the base64 length of NonceSize+gcmTagSize bytes.
	minBlobLen = 40
)
