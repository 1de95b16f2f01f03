// Package compliance validates records against ZATCA, PDPL, HIPAA and NPHIES
// rule tables.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultOIDPrefix   = "urn:oid:1.3.6.1.4.1.61026"
	DefaultVATRate     = 0.15
	DefaultRetention   = 7 * 365 * 24 * time.Hour
	DefaultMaxParallel = 8
)

// Config tunes the validator.
type Config struct {
	OIDPrefix   string
	VATRate     float64
	Retention   time.Duration
	MaxParallel int
}

// ConfigFrom maps the service configuration onto Config.
func ConfigFrom(cfg config.ComplianceConfig) Config {
	return Config{
		OIDPrefix:   cfg.OIDPrefix,
		VATRate:     cfg.VATRate,
		Retention:   cfg.Retention,
		MaxParallel: cfg.MaxParallel,
	}
}

// Validator evaluates records against immutable per-standard rule tables.
// It is safe for concurrent use.
type Validator struct {
	cfg      Config
	evidence EvidenceLookup
	logger   *logging.Logger
	now      func() time.Time
	rules    map[models.Standard][]Rule
}

// Option customizes a Validator.
type Option func(*Validator)

// WithEvidenceLookup lets HIPAA checks confirm that audit_log_id resolves to
// a stored audit entry.
func WithEvidenceLookup(e EvidenceLookup) Option {
	return func(v *Validator) { v.evidence = e }
}

// WithLogger sets the operational logger.
func WithLogger(logger *logging.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// WithClock overrides time.Now for retention checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator builds the rule tables once.
func NewValidator(cfg Config, opts ...Option) *Validator {
	if cfg.OIDPrefix == "" {
		cfg.OIDPrefix = DefaultOIDPrefix
	}
	if cfg.VATRate <= 0 {
		cfg.VATRate = DefaultVATRate
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	v := &Validator{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = logging.Discard()
	}
	v.rules = map[models.Standard][]Rule{
		models.StandardZATCA:  v.zatcaRules(),
		models.StandardPDPL:   v.pdplRules(),
		models.StandardHIPAA:  v.hipaaRules(),
		models.StandardNPHIES: v.nphiesRules(),
	}
	return v
}

// Rules returns the rule table for a standard.
func (v *Validator) Rules(std models.Standard) []Rule {
	return append([]Rule(nil), v.rules[std]...)
}

// ValidateZATCAInvoice checks an e-invoice.
func (v *Validator) ValidateZATCAInvoice(invoice models.Record) ([]models.ComplianceViolation, error) {
	return v.evaluate(context.Background(), models.StandardZATCA, invoice, "")
}

// ValidatePDPLData checks personal data. dataContext names the kind of
// record (customer, outlet, employee, ...); consent is required for the
// first three.
func (v *Validator) ValidatePDPLData(record models.Record, dataContext string) ([]models.ComplianceViolation, error) {
	return v.evaluate(context.Background(), models.StandardPDPL, record, dataContext)
}

// ValidateHIPAAData checks protected health information.
func (v *Validator) ValidateHIPAAData(ctx context.Context, record models.Record) ([]models.ComplianceViolation, error) {
	return v.evaluate(ctx, models.StandardHIPAA, record, "")
}

// ValidateNPHIES checks an insurance claim.
func (v *Validator) ValidateNPHIES(record models.Record) ([]models.ComplianceViolation, error) {
	return v.evaluate(context.Background(), models.StandardNPHIES, record, "")
}

// Validate dispatches item to its standard's rules.
func (v *Validator) Validate(ctx context.Context, item models.ScanItem) ([]models.ComplianceViolation, error) {
	if !item.Standard.Valid() {
		return nil, models.NewValidationError("standard", "unsupported standard %q", item.Standard)
	}
	return v.evaluate(ctx, item.Standard, item.Record, item.Context)
}

func (v *Validator) evaluate(ctx context.Context, std models.Standard, record models.Record, dataContext string) ([]models.ComplianceViolation, error) {
	if record == nil {
		return nil, models.NewValidationError("record", "must not be nil")
	}

	in := input{ctx: ctx, record: record, context: dataContext}
	violations := []models.ComplianceViolation{}
	for _, rule := range v.rules[std] {
		findings, err := rule.Check(in)
		if err != nil {
			return nil, err
		}
		for _, f := range findings {
			violations = append(violations, rule.violation(f))
		}
	}
	return violations, nil
}

func (r Rule) violation(f Finding) models.ComplianceViolation {
	field := f.Field
	if field == "" {
		field = r.Field
	}
	msg := r.Message
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Detail)
	}
	if field != "" && field != r.Field {
		msg = fmt.Sprintf("%s (%s)", msg, field)
	}
	return models.ComplianceViolation{
		Standard: r.Standard,
		Field:    field,
		RuleID:   r.ID,
		Message:  msg,
		Severity: r.Severity,
	}
}

// StructRuleID is the rule reported for a structurally invalid scan item.
func StructRuleID(std models.Standard) string {
	return string(std) + "-STRUCT-001"
}

// GetComplianceReport validates every item in scope in parallel and returns
// the violations in input order. A structurally invalid item becomes a
// CRITICAL STRUCT violation rather than failing the scan; an unsupported
// standard fails the whole scan.
func (v *Validator) GetComplianceReport(ctx context.Context, scope models.ComplianceScope) (*models.ComplianceReport, error) {
	for i, item := range scope.Items {
		if !item.Standard.Valid() {
			return nil, models.NewValidationError(fmt.Sprintf("items[%d].standard", i), "unsupported standard %q", item.Standard)
		}
	}

	start := time.Now()
	results := make([][]models.ComplianceViolation, len(scope.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.MaxParallel)
	for i, item := range scope.Items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := v.evaluate(gctx, item.Standard, item.Record, item.Context)
			var verr *models.ValidationError
			switch {
			case errors.As(err, &verr):
				found = []models.ComplianceViolation{{
					Standard: item.Standard,
					Field:    verr.Field,
					RuleID:   StructRuleID(item.Standard),
					Message:  verr.Error(),
					Severity: models.SeverityCritical,
				}}
			case err != nil:
				return err
			}
			recordID := item.ID
			if recordID == "" {
				recordID = fmt.Sprintf("item-%d", i)
			}
			for j := range found {
				found[j].RecordID = recordID
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compliance scan aborted: %w", err)
	}

	var all []models.ComplianceViolation
	for _, found := range results {
		all = append(all, found...)
	}
	for _, viol := range all {
		metrics.ComplianceViolations.WithLabelValues(string(viol.Standard), string(viol.Severity)).Inc()
	}
	metrics.ComplianceScanDuration.Observe(time.Since(start).Seconds())

	report := models.NewComplianceReport(len(scope.Items), all, v.now().UTC())
	v.logger.InfoContext(ctx, "compliance scan complete",
		slog.Int("records", report.TotalRecords),
		slog.Int("violations", len(report.Violations)),
		slog.Bool("compliant", report.IsCompliant),
	)
	return report, nil
}
