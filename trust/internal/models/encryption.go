package models

// Record is a loosely typed document such as a customer, invoice or claim.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EncryptedField is the full envelope for a field encrypted at rest.
// Ciphertext holds the base64 sealed bytes including the GCM tag, Nonce the
// base64 nonce. The raw master key is never part of the envelope.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
	KeyVersion string `json:"key_version"`
	Iterations int    `json:"iterations"`
}
