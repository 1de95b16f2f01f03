package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssdp-platform/trust/trust/internal/encryption"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
)

func validInvoice() models.Record {
	return models.Record{
		"invoice_number":      "INV-2024-0001",
		"issue_date":          "2024-03-01",
		"issue_time":          "10:15:00",
		"supplier_vat_number": "301234567890003",
		"customer_name":       "Al Noor Grocery",
		"subtotal":            1000.00,
		"vat_amount":          150.00,
		"total_including_vat": 1150.00,
		"line_items": []any{
			map[string]any{"description": "Water 24x500ml", "quantity": 10, "unit_price": 100.0},
		},
	}
}

func ruleIDs(vs []models.ComplianceViolation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.RuleID
	}
	return out
}

func newCipher(t *testing.T) *encryption.Service {
	t.Helper()
	svc, err := encryption.New(encryption.Config{MasterKey: []byte("compliance-test"), Iterations: 1000})
	require.NoError(t, err)
	return svc
}

func TestValidateZATCAInvoice(t *testing.T) {
	v := NewValidator(Config{})

	tests := []struct {
		name     string
		mutate   func(r models.Record)
		wantIDs  []string
		severity models.Severity
	}{
		{name: "valid", mutate: func(models.Record) {}},
		{
			name:     "VAT number starting with 4",
			mutate:   func(r models.Record) { r["supplier_vat_number"] = "401234567890003" },
			wantIDs:  []string{"ZATCA-VAT-001"},
			severity: models.SeverityCritical,
		},
		{
			name:     "VAT number with wrong suffix",
			mutate:   func(r models.Record) { r["supplier_vat_number"] = "301234567890013" },
			wantIDs:  []string{"ZATCA-VAT-001"},
			severity: models.SeverityCritical,
		},
		{
			name: "VAT amount mismatch",
			mutate: func(r models.Record) {
				r["vat_amount"] = 140.00
				r["total_including_vat"] = 1140.00
			},
			wantIDs:  []string{"ZATCA-VAT-002"},
			severity: models.SeverityCritical,
		},
		{
			name:   "VAT within one halala",
			mutate: func(r models.Record) { r["vat_amount"] = 150.01; r["total_including_vat"] = 1150.01 },
		},
		{
			name: "subtotal falls back to total_excluding_vat",
			mutate: func(r models.Record) {
				delete(r, "subtotal")
				r["total_excluding_vat"] = "1000.00"
			},
		},
		{
			name:     "total does not add up",
			mutate:   func(r models.Record) { r["total_including_vat"] = 1200.00 },
			wantIDs:  []string{"ZATCA-TOT-001"},
			severity: models.SeverityError,
		},
		{
			name:     "missing invoice number",
			mutate:   func(r models.Record) { delete(r, "invoice_number") },
			wantIDs:  []string{"ZATCA-REQ-001"},
			severity: models.SeverityCritical,
		},
		{
			name:     "empty line items",
			mutate:   func(r models.Record) { r["line_items"] = []any{} },
			wantIDs:  []string{"ZATCA-REQ-001"},
			severity: models.SeverityCritical,
		},
		{
			name: "zero quantity",
			mutate: func(r models.Record) {
				r["line_items"] = []any{map[string]any{"description": "x", "quantity": 0, "unit_price": 5.0}}
			},
			wantIDs:  []string{"ZATCA-LINE-001"},
			severity: models.SeverityCritical,
		},
		{
			name: "negative unit price",
			mutate: func(r models.Record) {
				r["line_items"] = []map[string]any{{"description": "x", "quantity": 1, "unit_price": -1}}
			},
			wantIDs:  []string{"ZATCA-LINE-002"},
			severity: models.SeverityCritical,
		},
		{
			name: "line without description",
			mutate: func(r models.Record) {
				r["line_items"] = []any{map[string]any{"quantity": 1, "unit_price": 0}}
			},
			wantIDs:  []string{"ZATCA-LINE-003"},
			severity: models.SeverityWarning,
		},
		{
			name:     "missing customer name",
			mutate:   func(r models.Record) { delete(r, "customer_name") },
			wantIDs:  []string{"ZATCA-OPT-001"},
			severity: models.SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(inv)

			vs, err := v.ValidateZATCAInvoice(inv)
			require.NoError(t, err)
			if len(tt.wantIDs) == 0 {
				assert.Empty(t, vs)
				return
			}
			assert.Equal(t, tt.wantIDs, ruleIDs(vs))
			for _, viol := range vs {
				assert.Equal(t, models.StandardZATCA, viol.Standard)
				assert.Equal(t, tt.severity, viol.Severity)
				assert.NotEmpty(t, viol.Field)
			}
		})
	}
}

func TestValidateZATCAInvoice_VATMismatchMessage(t *testing.T) {
	inv := validInvoice()
	inv["vat_amount"] = 140.0
	delete(inv, "total_including_vat")
	delete(inv, "customer_name")

	vs, err := NewValidator(Config{}).ValidateZATCAInvoice(inv)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, "vat_amount", vs[0].Field)
	assert.Contains(t, vs[0].Message, "expected 150.00, got 140.00")
	assert.Equal(t, []string{"customer_name", "total_including_vat"}, []string{vs[1].Field, vs[2].Field})
}

func TestValidateZATCAInvoice_StructuralErrors(t *testing.T) {
	v := NewValidator(Config{})

	tests := []struct {
		name   string
		mutate func(r models.Record)
		field  string
	}{
		{name: "line items not a list", mutate: func(r models.Record) { r["line_items"] = "two crates" }, field: "line_items"},
		{name: "line item not an object", mutate: func(r models.Record) { r["line_items"] = []any{"crate"} }, field: "line_items"},
		{name: "non-numeric subtotal", mutate: func(r models.Record) { r["subtotal"] = "a thousand" }, field: "subtotal"},
		{name: "boolean vat", mutate: func(r models.Record) { r["vat_amount"] = true }, field: "vat_amount"},
		{
			name:   "non-numeric quantity",
			mutate: func(r models.Record) { r["line_items"] = []any{map[string]any{"quantity": "many", "unit_price": 1}} },
			field:  "line_items[0].quantity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(inv)

			_, err := v.ValidateZATCAInvoice(inv)
			require.ErrorIs(t, err, models.ErrValidation)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := v.ValidateZATCAInvoice(nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestValidatePDPLData(t *testing.T) {
	cipher := newCipher(t)
	encID, err := cipher.Encrypt("1234567890")
	require.NoError(t, err)
	encPhone, err := cipher.Encrypt(gofakeit.Phone())
	require.NoError(t, err)

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewValidator(Config{}, WithClock(func() time.Time { return now }))

	t.Run("plaintext national id", func(t *testing.T) {
		vs, err := v.ValidatePDPLData(models.Record{"national_id": "1234567890"}, "")
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, models.SeverityCritical, vs[0].Severity)
		assert.Equal(t, "national_id", vs[0].Field)
		assert.Equal(t, "PDPL-ENC-001", vs[0].RuleID)
	})

	t.Run("encrypted with consent", func(t *testing.T) {
		vs, err := v.ValidatePDPLData(models.Record{"national_id": encID, "consent_date": "2024-01-01"}, "customer")
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("envelope counts as encrypted", func(t *testing.T) {
		field, err := cipher.EncryptField(gofakeit.Email())
		require.NoError(t, err)
		vs, err := v.ValidatePDPLData(models.Record{"email": field, "phone": encPhone}, "")
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("every plaintext field is reported", func(t *testing.T) {
		vs, err := v.ValidatePDPLData(models.Record{
			"email":   gofakeit.Email(),
			"address": gofakeit.Address().Address,
			"name":    gofakeit.Name(),
		}, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"email", "address"}, []string{vs[0].Field, vs[1].Field})
	})

	t.Run("missing consent in customer contexts", func(t *testing.T) {
		for _, ctx := range []string{"customer", "outlet", "Employee"} {
			vs, err := v.ValidatePDPLData(models.Record{"national_id": encID}, ctx)
			require.NoError(t, err)
			require.Len(t, vs, 1, ctx)
			assert.Equal(t, "PDPL-CONSENT-001", vs[0].RuleID)
			assert.Equal(t, models.SeverityWarning, vs[0].Severity)
		}

		vs, err := v.ValidatePDPLData(models.Record{"national_id": encID}, "invoice")
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("retention", func(t *testing.T) {
		vs, err := v.ValidatePDPLData(models.Record{"created_at": "2023-06-01T00:00:00Z"}, "")
		require.NoError(t, err)
		assert.Empty(t, vs)

		vs, err = v.ValidatePDPLData(models.Record{"created_at": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}, "")
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, "PDPL-RET-001", vs[0].RuleID)
		assert.Equal(t, models.SeverityWarning, vs[0].Severity)

		_, err = v.ValidatePDPLData(models.Record{"created_at": "last tuesday"}, "")
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestValidateHIPAAData(t *testing.T) {
	cipher := newCipher(t)
	encDiag, err := cipher.Encrypt("J45.909")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("plaintext phi and no audit link", func(t *testing.T) {
		vs, err := NewValidator(Config{}).ValidateHIPAAData(ctx, models.Record{
			"diagnosis":    "J45.909",
			"prescription": "salbutamol",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"HIPAA-ENC-001", "HIPAA-ENC-001", "HIPAA-AUD-001"}, ruleIDs(vs))
		for _, viol := range vs {
			assert.Equal(t, models.SeverityCritical, viol.Severity)
		}
	})

	t.Run("encrypted and linked", func(t *testing.T) {
		vs, err := NewValidator(Config{}).ValidateHIPAAData(ctx, models.Record{"diagnosis": encDiag, "audit_log_id": "any"})
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("audit link must resolve when evidence is available", func(t *testing.T) {
		store := repository.NewInMemoryStore()
		_, err := store.Append(ctx, &models.AuditLogEntry{
			ID:           "entry-1",
			Timestamp:    time.Now().UTC(),
			UserID:       "doc-1",
			Action:       models.ActionRead,
			ResourceType: models.ResourcePHI,
			Severity:     models.SeverityInfo,
		})
		require.NoError(t, err)
		v := NewValidator(Config{}, WithEvidenceLookup(NewStoreEvidence(store)))

		vs, err := v.ValidateHIPAAData(ctx, models.Record{"diagnosis": encDiag, "audit_log_id": "entry-1"})
		require.NoError(t, err)
		assert.Empty(t, vs)

		vs, err = v.ValidateHIPAAData(ctx, models.Record{"diagnosis": encDiag, "audit_log_id": "entry-404"})
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, "HIPAA-AUD-002", vs[0].RuleID)
		assert.Equal(t, models.SeverityCritical, vs[0].Severity)
	})
}

func TestValidateNPHIES(t *testing.T) {
	v := NewValidator(Config{})
	claim := func() models.Record {
		return models.Record{
			"claim_id":       "CLM-1",
			"patient_id":     "urn:oid:1.3.6.1.4.1.61026.2.1|1000012345",
			"provider_id":    "PRV-9",
			"service_date":   "2024-05-02",
			"diagnosis_code": "J45.909",
			"service_code":   "99213",
		}
	}

	vs, err := v.ValidateNPHIES(claim())
	require.NoError(t, err)
	assert.Empty(t, vs)

	c := claim()
	c["patient_id"] = "1000012345"
	vs, err = v.ValidateNPHIES(c)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "NPHIES-OID-001", vs[0].RuleID)
	assert.Equal(t, models.SeverityError, vs[0].Severity)

	c = claim()
	delete(c, "claim_id")
	c["service_code"] = ""
	vs, err = v.ValidateNPHIES(c)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, []string{"claim_id", "service_code"}, []string{vs[0].Field, vs[1].Field})
	assert.Equal(t, models.SeverityCritical, vs[0].Severity)

	for _, id := range []string{
		"urn:oid:1.3.6.1.4.1.610269.1|1000012345",
		"urn:oid:1.3.6.1.4.1.61026X",
	} {
		c = claim()
		c["patient_id"] = id
		vs, err = v.ValidateNPHIES(c)
		require.NoError(t, err)
		require.Len(t, vs, 1, id)
		assert.Equal(t, "NPHIES-OID-001", vs[0].RuleID)
	}

	for _, id := range []string{"urn:oid:1.3.6.1.4.1.61026", "urn:oid:1.3.6.1.4.1.61026|1000012345"} {
		c = claim()
		c["patient_id"] = id
		vs, err = v.ValidateNPHIES(c)
		require.NoError(t, err)
		assert.Empty(t, vs, id)
	}

	custom := NewValidator(Config{OIDPrefix: "urn:oid:2.16.840.1.113883"})
	c = claim()
	c["patient_id"] = "urn:oid:2.16.840.1.113883.4.1|123"
	vs, err = custom.ValidateNPHIES(c)
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestGetComplianceReport(t *testing.T) {
	v := NewValidator(Config{MaxParallel: 3})

	var scope models.ComplianceScope
	for i := 0; i < 10; i++ {
		inv := validInvoice()
		inv["invoice_number"] = fmt.Sprintf("INV-%03d", i)
		if i == 3 || i == 7 {
			inv["vat_amount"] = 140.0
			inv["total_including_vat"] = 1140.0
		}
		scope.Items = append(scope.Items, models.ScanItem{ID: fmt.Sprintf("inv-%d", i), Standard: models.StandardZATCA, Record: inv})
	}

	report, err := v.GetComplianceReport(context.Background(), scope)
	require.NoError(t, err)
	assert.False(t, report.IsCompliant)
	assert.GreaterOrEqual(t, len(report.Violations), 2)
	assert.Equal(t, 10, report.TotalRecords)
	assert.Equal(t, "inv-3", report.Violations[0].RecordID)
	assert.Equal(t, "inv-7", report.Violations[1].RecordID)
	assert.Equal(t, 2, report.BySeverity[models.SeverityCritical])
	assert.Equal(t, 2, report.ByStandard[models.StandardZATCA])
}

func TestGetComplianceReport_MixedScope(t *testing.T) {
	v := NewValidator(Config{})
	scope := models.ComplianceScope{Items: []models.ScanItem{
		{Standard: models.StandardPDPL, Context: "customer", Record: models.Record{"consent_date": "2024-01-01"}},
		{Standard: models.StandardZATCA, Record: models.Record{"line_items": 3}},
		{Standard: models.StandardNPHIES, Record: models.Record{"claim_id": "c"}},
	}}

	report, err := v.GetComplianceReport(context.Background(), scope)
	require.NoError(t, err)
	assert.False(t, report.IsCompliant)

	require.NotEmpty(t, report.Violations)
	first := report.Violations[0]
	assert.Equal(t, "ZATCA-STRUCT-001", first.RuleID)
	assert.Equal(t, models.SeverityCritical, first.Severity)
	assert.Equal(t, "item-1", first.RecordID)
	assert.Equal(t, "line_items", first.Field)
	for _, viol := range report.Violations[1:] {
		assert.Equal(t, models.StandardNPHIES, viol.Standard)
		assert.Equal(t, "item-2", viol.RecordID)
	}
}

func TestGetComplianceReport_CompliantAndEmpty(t *testing.T) {
	v := NewValidator(Config{})

	report, err := v.GetComplianceReport(context.Background(), models.ComplianceScope{})
	require.NoError(t, err)
	assert.True(t, report.IsCompliant)
	assert.Empty(t, report.Violations)

	report, err = v.GetComplianceReport(context.Background(), models.ComplianceScope{Items: []models.ScanItem{
		{Standard: models.StandardZATCA, Record: func() models.Record { r := validInvoice(); delete(r, "customer_name"); return r }()},
	}})
	require.NoError(t, err)
	assert.True(t, report.IsCompliant, "warnings alone do not break compliance")
	assert.Len(t, report.Violations, 1)
}

func TestGetComplianceReport_UnsupportedStandard(t *testing.T) {
	_, err := NewValidator(Config{}).GetComplianceReport(context.Background(), models.ComplianceScope{Items: []models.ScanItem{
		{Standard: "SOX", Record: models.Record{}},
	}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGetComplianceReport_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewValidator(Config{}).GetComplianceReport(ctx, models.ComplianceScope{Items: []models.ScanItem{
		{Standard: models.StandardZATCA, Record: validInvoice()},
	}})
	assert.ErrorIs(t, err, context.Canceled)
}
