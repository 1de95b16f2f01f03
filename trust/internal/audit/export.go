package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"id", "timestamp", "user_id", "action", "resource_type", "resource_id", "severity", "checksum"}

// Export renders matching entries as a JSON array of full entries or as
// flattened CSV.
func (l *Logger) Export(ctx context.Context, filter models.AuditFilter, format string) ([]byte, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, models.NewValidationError("format", "unsupported export format %q", format)
	}

	entries, err := l.GetLogs(ctx, filter)
	if err != nil {
		return nil, err
	}

	if format == FormatJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit export: %w", err)
		}
		return data, nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, e := range entries {
		record := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.UserID,
			string(e.Action),
			string(e.ResourceType),
			e.ResourceID,
			string(e.Severity),
			e.Checksum,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv export: %w", err)
	}
	return buf.Bytes(), nil
}
