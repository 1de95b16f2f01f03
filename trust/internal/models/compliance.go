package models

import "time"

// Standard is a regulatory standard checked by the compliance validator.
type Standard string

const (
	StandardZATCA  Standard = "ZATCA"
	StandardPDPL   Standard = "PDPL"
	StandardHIPAA  Standard = "HIPAA"
	StandardNPHIES Standard = "NPHIES"
)

// Valid reports whether s is a supported standard.
func (s Standard) Valid() bool {
	switch s {
	case StandardZATCA, StandardPDPL, StandardHIPAA, StandardNPHIES:
		return true
	}
	return false
}

// ComplianceViolation is a single rule failure. Violations are data, not errors.
type ComplianceViolation struct {
	Standard Standard `json:"standard"`
	Field    string   `json:"field"`
	RuleID   string   `json:"rule_id"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	RecordID string   `json:"record_id,omitempty"`
}

// ScanItem is one record submitted to a batch compliance scan. Context is
// only meaningful for PDPL (customer, outlet, employee, ...).
type ScanItem struct {
	ID       string   `json:"id,omitempty"`
	Standard Standard `json:"standard"`
	Context  string   `json:"context,omitempty"`
	Record   Record   `json:"record"`
}

// ComplianceScope is the batch evaluated by a compliance report.
type ComplianceScope struct {
	Items []ScanItem `json:"items"`
}

// ComplianceReport aggregates the violations of one scan. It is produced
// per scan and never persisted.
type ComplianceReport struct {
	Violations   []ComplianceViolation `json:"violations"`
	IsCompliant  bool                  `json:"is_compliant"`
	TotalRecords int                   `json:"total_records"`
	BySeverity   map[Severity]int      `json:"by_severity"`
	ByStandard   map[Standard]int      `json:"by_standard"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// NewComplianceReport builds a report from an ordered violation list.
func NewComplianceReport(total int, violations []ComplianceViolation, at time.Time) *ComplianceReport {
	if violations == nil {
		violations = []ComplianceViolation{}
	}
	r := &ComplianceReport{
		Violations:   violations,
		IsCompliant:  true,
		TotalRecords: total,
		BySeverity:   make(map[Severity]int),
		ByStandard:   make(map[Standard]int),
		GeneratedAt:  at,
	}
	for _, v := range violations {
		r.BySeverity[v.Severity]++
		r.ByStandard[v.Standard]++
		if v.Severity.AtLeast(SeverityCritical) {
			r.IsCompliant = false
		}
	}
	return r
}
