package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/encryption"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// Finding is one failing field reported by a rule check.
type Finding struct {
	Field  string
	Detail string
}

// input is what a check sees for one record.
type input struct {
	ctx     context.Context
	record  models.Record
	context string
}

// Check inspects a record and returns its failing fields. An error means the
// record is structurally unfit for the rule.
type Check func(in input) ([]Finding, error)

// Rule is one row of a standard's rule table.
type Rule struct {
	ID       string
	Standard models.Standard
	Field    string
	Severity models.Severity
	Message  string
	Check    Check
}

var saudiVATNumber = regexp.MustCompile(`^3\d{12}03$`)

var (
	zatcaRequired = []string{"invoice_number", "issue_date", "issue_time", "supplier_vat_number", "line_items"}
	zatcaOptional = []string{"customer_name", "total_including_vat"}

	phiFields = []string{"patient_id", "medical_record_number", "diagnosis", "treatment", "prescription", "lab_results"}

	nphiesRequired = []string{"claim_id", "patient_id", "provider_id", "service_date", "diagnosis_code", "service_code"}

	consentContexts = []string{"customer", "outlet", "employee"}
)

// PHIFields returns the fields HIPAA requires to be encrypted.
func PHIFields() []string {
	return append([]string(nil), phiFields...)
}

func requireFields(fields []string) Check {
	return func(in input) ([]Finding, error) {
		var out []Finding
		for _, f := range fields {
			if !present(in.record, f) {
				out = append(out, Finding{Field: f})
			}
		}
		return out, nil
	}
}

func requireEncrypted(fields []string) Check {
	return func(in input) ([]Finding, error) {
		var out []Finding
		for _, f := range fields {
			if present(in.record, f) && !encryption.LooksEncrypted(in.record[f]) {
				out = append(out, Finding{Field: f})
			}
		}
		return out, nil
	}
}

func (v *Validator) zatcaRules() []Rule {
	return []Rule{
		{
			ID: "ZATCA-REQ-001", Standard: models.StandardZATCA, Severity: models.SeverityCritical,
			Message: "required invoice field missing",
			Check:   requireFields(zatcaRequired),
		},
		{
			ID: "ZATCA-VAT-001", Standard: models.StandardZATCA, Field: "supplier_vat_number", Severity: models.SeverityCritical,
			Message: "supplier VAT number must be 15 digits starting with 3 and ending with 03",
			Check: func(in input) ([]Finding, error) {
				vat := text(in.record, "supplier_vat_number")
				if vat == "" || saudiVATNumber.MatchString(vat) {
					return nil, nil
				}
				return []Finding{{Field: "supplier_vat_number"}}, nil
			},
		},
		{
			ID: "ZATCA-VAT-002", Standard: models.StandardZATCA, Field: "vat_amount", Severity: models.SeverityCritical,
			Message: "VAT amount does not match the subtotal",
			Check:   v.checkVATAmount,
		},
		{
			ID: "ZATCA-TOT-001", Standard: models.StandardZATCA, Field: "total_including_vat", Severity: models.SeverityError,
			Message: "total including VAT does not equal subtotal plus VAT",
			Check:   checkInvoiceTotal,
		},
		{
			ID: "ZATCA-LINE-001", Standard: models.StandardZATCA, Severity: models.SeverityCritical,
			Message: "line item quantity must be greater than zero",
			Check: eachLine(func(i int, item map[string]any) ([]Finding, error) {
				qty, ok, err := number(item, "quantity")
				if err != nil {
					return nil, lineError(i, err)
				}
				if !ok || qty <= 0 {
					return []Finding{{Field: fmt.Sprintf("line_items[%d].quantity", i)}}, nil
				}
				return nil, nil
			}),
		},
		{
			ID: "ZATCA-LINE-002", Standard: models.StandardZATCA, Severity: models.SeverityCritical,
			Message: "line item unit price must not be negative",
			Check: eachLine(func(i int, item map[string]any) ([]Finding, error) {
				price, ok, err := number(item, "unit_price")
				if err != nil {
					return nil, lineError(i, err)
				}
				if !ok || price < 0 {
					return []Finding{{Field: fmt.Sprintf("line_items[%d].unit_price", i)}}, nil
				}
				return nil, nil
			}),
		},
		{
			ID: "ZATCA-LINE-003", Standard: models.StandardZATCA, Severity: models.SeverityWarning,
			Message: "line item description missing",
			Check: eachLine(func(i int, item map[string]any) ([]Finding, error) {
				if present(item, "description") {
					return nil, nil
				}
				return []Finding{{Field: fmt.Sprintf("line_items[%d].description", i)}}, nil
			}),
		},
		{
			ID: "ZATCA-OPT-001", Standard: models.StandardZATCA, Severity: models.SeverityWarning,
			Message: "recommended invoice field missing",
			Check:   requireFields(zatcaOptional),
		},
	}
}

// subtotal reads subtotal, falling back to total_excluding_vat.
func subtotal(r models.Record) (float64, bool, error) {
	if present(r, "subtotal") {
		return number(r, "subtotal")
	}
	return number(r, "total_excluding_vat")
}

func (v *Validator) checkVATAmount(in input) ([]Finding, error) {
	sub, okSub, err := subtotal(in.record)
	if err != nil {
		return nil, err
	}
	vat, okVAT, err := number(in.record, "vat_amount")
	if err != nil {
		return nil, err
	}
	if !okSub || !okVAT {
		return nil, nil
	}
	expected := round2(sub * v.cfg.VATRate)
	actual := round2(vat)
	if diff := expected - actual; diff > vatTolerance || diff < -vatTolerance {
		return []Finding{{Field: "vat_amount", Detail: fmt.Sprintf("expected %.2f, got %.2f", expected, actual)}}, nil
	}
	return nil, nil
}

func checkInvoiceTotal(in input) ([]Finding, error) {
	sub, okSub, err := subtotal(in.record)
	if err != nil {
		return nil, err
	}
	vat, okVAT, err := number(in.record, "vat_amount")
	if err != nil {
		return nil, err
	}
	total, okTotal, err := number(in.record, "total_including_vat")
	if err != nil {
		return nil, err
	}
	if !okSub || !okVAT || !okTotal {
		return nil, nil
	}
	expected := round2(sub + vat)
	if diff := expected - round2(total); diff > vatTolerance || diff < -vatTolerance {
		return []Finding{{Field: "total_including_vat", Detail: fmt.Sprintf("expected %.2f, got %.2f", expected, round2(total))}}, nil
	}
	return nil, nil
}

// vatTolerance is one halala, with headroom for float rounding.
const vatTolerance = 0.01 + 1e-9

func eachLine(fn func(i int, item map[string]any) ([]Finding, error)) Check {
	return func(in input) ([]Finding, error) {
		items, err := lineItems(in.record)
		if err != nil {
			return nil, err
		}
		var out []Finding
		for i, item := range items {
			found, err := fn(i, item)
			if err != nil {
				return nil, err
			}
			out = append(out, found...)
		}
		return out, nil
	}
}

func lineError(i int, err error) error {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return models.NewValidationError(fmt.Sprintf("line_items[%d].%s", i, verr.Field), "%s", verr.Message)
	}
	return err
}

func (v *Validator) pdplRules() []Rule {
	return []Rule{
		{
			ID: "PDPL-ENC-001", Standard: models.StandardPDPL, Severity: models.SeverityCritical,
			Message: "PII field must be encrypted at rest",
			Check:   requireEncrypted(encryption.PIIFields()),
		},
		{
			ID: "PDPL-CONSENT-001", Standard: models.StandardPDPL, Field: "consent_date", Severity: models.SeverityWarning,
			Message: "data collection consent not documented",
			Check: func(in input) ([]Finding, error) {
				if !requiresConsent(in.context) || present(in.record, "consent_date") {
					return nil, nil
				}
				return []Finding{{Field: "consent_date"}}, nil
			},
		},
		{
			ID: "PDPL-RET-001", Standard: models.StandardPDPL, Field: "created_at", Severity: models.SeverityWarning,
			Message: "record is older than the retention period",
			Check: func(in input) ([]Finding, error) {
				created, ok, err := timestamp(in.record, "created_at")
				if err != nil || !ok {
					return nil, err
				}
				if age := v.now().Sub(created); age > v.cfg.Retention {
					return []Finding{{Field: "created_at", Detail: fmt.Sprintf("age %s exceeds %s", age.Truncate(time.Hour), v.cfg.Retention)}}, nil
				}
				return nil, nil
			},
		},
	}
}

func requiresConsent(ctx string) bool {
	ctx = strings.ToLower(strings.TrimSpace(ctx))
	for _, c := range consentContexts {
		if c == ctx {
			return true
		}
	}
	return false
}

func (v *Validator) hipaaRules() []Rule {
	return []Rule{
		{
			ID: "HIPAA-ENC-001", Standard: models.StandardHIPAA, Severity: models.SeverityCritical,
			Message: "PHI field must be encrypted",
			Check:   requireEncrypted(phiFields),
		},
		{
			ID: "HIPAA-AUD-001", Standard: models.StandardHIPAA, Field: "audit_log_id", Severity: models.SeverityCritical,
			Message: "PHI access has no linked audit log entry",
			Check:   requireFields([]string{"audit_log_id"}),
		},
		{
			ID: "HIPAA-AUD-002", Standard: models.StandardHIPAA, Field: "audit_log_id", Severity: models.SeverityCritical,
			Message: "linked audit log entry does not exist",
			Check:   v.checkAuditEvidence,
		},
	}
}

func (v *Validator) checkAuditEvidence(in input) ([]Finding, error) {
	if v.evidence == nil || !present(in.record, "audit_log_id") {
		return nil, nil
	}
	id := text(in.record, "audit_log_id")
	exists, err := v.evidence.EntryExists(in.ctx, id)
	if err != nil {
		v.logger.WarnContext(in.ctx, "audit evidence lookup failed", slog.String("audit_log_id", id), logging.Error(err))
		return []Finding{{Field: "audit_log_id", Detail: "lookup failed"}}, nil
	}
	if !exists {
		return []Finding{{Field: "audit_log_id", Detail: id}}, nil
	}
	return nil, nil
}

func (v *Validator) nphiesRules() []Rule {
	return []Rule{
		{
			ID: "NPHIES-REQ-001", Standard: models.StandardNPHIES, Severity: models.SeverityCritical,
			Message: "required NPHIES identifier missing",
			Check:   requireFields(nphiesRequired),
		},
		{
			ID: "NPHIES-OID-001", Standard: models.StandardNPHIES, Field: "patient_id", Severity: models.SeverityError,
			Message: fmt.Sprintf("patient_id must use the %s OID namespace", v.cfg.OIDPrefix),
			Check: func(in input) ([]Finding, error) {
				id := text(in.record, "patient_id")
				if id == "" || inOIDNamespace(id, v.cfg.OIDPrefix) {
					return nil, nil
				}
				return []Finding{{Field: "patient_id"}}, nil
			},
		},
	}
}

// inOIDNamespace reports whether id is the namespace OID itself or lies under
// it: the next character must end the arc, so 1.2.610 is not under 1.2.61.
func inOIDNamespace(id, namespace string) bool {
	rest, ok := strings.CutPrefix(id, namespace)
	if !ok {
		return false
	}
	return rest == "" || rest[0] == '.' || rest[0] == '|'
}
