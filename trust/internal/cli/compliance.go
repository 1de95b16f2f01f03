package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

// ErrNotCompliant is returned by compliance scan when any CRITICAL violation
// was found, so scripts can gate on the exit status.
var ErrNotCompliant = errors.New("records are not compliant")

func newComplianceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Regulatory compliance checks",
		Long:  "Validate records against ZATCA, PDPL, HIPAA and NPHIES rules",
	}
	cmd.AddCommand(newComplianceScanCommand())
	return cmd
}

func newComplianceScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a batch of records",
		Long: `Scan records read from --file (JSON or YAML, "-" for stdin).

Without --standard the input is a list of scan items, each naming its own
standard:

  [{"id": "inv-1", "standard": "ZATCA", "record": {...}}]

With --standard the input is a plain list of records checked against that
standard, with --context applied to PDPL scans.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			standard, _ := cmd.Flags().GetString("standard")
			dataContext, _ := cmd.Flags().GetString("context")
			if path == "" {
				return errors.New("--file is required")
			}

			scope, err := readScope(cmd.InOrStdin(), path, models.Standard(strings.ToUpper(standard)), dataContext)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				report, err := rt.Service.GetComplianceReport(ctx, scope)
				if err != nil {
					return fmt.Errorf("compliance scan failed: %w", err)
				}

				if outputFormat(cmd) == "json" {
					if err := p.JSON(report); err != nil {
						return err
					}
				} else {
					renderReport(p, report)
				}

				if !report.IsCompliant {
					return ErrNotCompliant
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "input file, or - for stdin")
	cmd.Flags().String("standard", "", "check every record against this standard")
	cmd.Flags().String("context", "", "PDPL data context (customer, outlet, employee)")
	return cmd
}

func readScope(stdin io.Reader, path string, standard models.Standard, dataContext string) (models.ComplianceScope, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return models.ComplianceScope{}, fmt.Errorf("failed to read input: %w", err)
	}

	unmarshal := json.Unmarshal
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		unmarshal = yaml.Unmarshal
	}

	if standard == "" {
		var items []models.ScanItem
		if err := unmarshal(data, &items); err != nil {
			return models.ComplianceScope{}, fmt.Errorf("failed to parse scan items: %w", err)
		}
		return models.ComplianceScope{Items: items}, nil
	}

	var records []models.Record
	if err := unmarshal(data, &records); err != nil {
		return models.ComplianceScope{}, fmt.Errorf("failed to parse records: %w", err)
	}
	scope := models.ComplianceScope{Items: make([]models.ScanItem, len(records))}
	for i, r := range records {
		scope.Items[i] = models.ScanItem{Standard: standard, Context: dataContext, Record: r}
	}
	return scope, nil
}

func severityColor(s models.Severity) *color.Color {
	switch s {
	case models.SeverityCritical:
		return errorColor
	case models.SeverityError:
		return color.New(color.FgRed)
	case models.SeverityWarning:
		return warnColor
	}
	return infoColor
}

func renderReport(p *printer, report *models.ComplianceReport) {
	if len(report.Violations) > 0 {
		t := newTable("Record", "Rule", "Severity", "Field", "Message")
		for _, v := range report.Violations {
			t.AddRow(
				v.RecordID,
				v.RuleID,
				severityColor(v.Severity).Sprint(string(v.Severity)),
				v.Field,
				v.Message,
			)
		}
		t.Render(p.out)
		fmt.Fprintln(p.out)
	}

	p.Info("Records scanned: %d", report.TotalRecords)
	for _, s := range []models.Severity{models.SeverityCritical, models.SeverityError, models.SeverityWarning, models.SeverityInfo} {
		if n := report.BySeverity[s]; n > 0 {
			p.Info("  %-8s %d", s, n)
		}
	}
	if report.IsCompliant {
		p.Success("Compliant")
	} else {
		p.Error("Not compliant")
	}
}
