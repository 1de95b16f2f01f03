package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
		Long:  "Inspect, verify, export and purge the append-only audit log",
	}
	cmd.AddCommand(
		newAuditLogsCommand(),
		newAuditVerifyCommand(),
		newAuditExportCommand(),
		newAuditPurgeCommand(),
	)
	return cmd
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "filter by user id")
	cmd.Flags().String("resource-type", "", "filter by resource type")
	cmd.Flags().String("resource-id", "", "filter by resource id")
	cmd.Flags().String("action", "", "filter by action (CREATE, READ, UPDATE, DELETE, SECURITY_EVENT)")
	cmd.Flags().String("severity", "", "filter by severity (INFO, WARNING, ERROR, CRITICAL)")
	cmd.Flags().String("from", "", "include entries at or after this time")
	cmd.Flags().String("to", "", "include entries before this time")
	cmd.Flags().Int("limit", 0, "maximum number of entries (0 = no limit)")
}

func filterFromFlags(cmd *cobra.Command) (models.AuditFilter, error) {
	user, _ := cmd.Flags().GetString("user")
	resourceType, _ := cmd.Flags().GetString("resource-type")
	resourceID, _ := cmd.Flags().GetString("resource-id")
	action, _ := cmd.Flags().GetString("action")
	severity, _ := cmd.Flags().GetString("severity")
	limit, _ := cmd.Flags().GetInt("limit")

	f := models.AuditFilter{
		UserID:       user,
		ResourceType: models.ResourceType(resourceType),
		ResourceID:   resourceID,
		Action:       models.AuditAction(strings.ToUpper(action)),
		Severity:     models.Severity(strings.ToUpper(severity)),
		Limit:        limit,
	}

	var err error
	if f.From, err = timeFlag(cmd, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeFlag(cmd, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := cast.ToTimeE(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return t.UTC(), nil
}

func newAuditLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"ls"},
		Short:   "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				entries, err := rt.Service.GetLogs(ctx, filter)
				if err != nil {
					return fmt.Errorf("failed to list audit entries: %w", err)
				}

				if outputFormat(cmd) == "json" {
					return p.JSON(entries)
				}
				if len(entries) == 0 {
					p.Info("No audit entries found")
					return nil
				}

				t := newTable("ID", "Timestamp", "User", "Action", "Resource", "Severity")
				for _, e := range entries {
					t.AddRow(
						e.ID,
						e.Timestamp.Format(time.RFC3339),
						e.UserID,
						string(e.Action),
						string(e.ResourceType)+"/"+e.ResourceID,
						string(e.Severity),
					)
				}
				t.Render(p.out)
				return nil
			})
		},
	}
	addFilterFlags(cmd)
	return cmd
}

func newAuditVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit entry checksums",
		Long: `Recompute the checksum of every audit entry in insertion order and report
the first entry whose stored checksum does not match. With --id only that
entry is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			p := newPrinter(cmd)

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				if id != "" {
					ok, err := rt.Service.VerifyEntry(ctx, id)
					if err != nil {
						return fmt.Errorf("failed to verify entry: %w", err)
					}
					if !ok {
						p.Error("Entry %s failed integrity verification", id)
						return &models.IntegrityError{EntryID: id, Index: -1, Reason: "checksum mismatch"}
					}
					p.Success("Entry %s verified", id)
					return nil
				}

				index, ok, err := rt.Service.VerifyAll(ctx)
				var ierr *models.IntegrityError
				if errors.As(err, &ierr) {
					p.Error("Integrity failure at index %d (entry %s)", index, ierr.EntryID)
					return err
				}
				if err != nil {
					return fmt.Errorf("failed to verify audit log: %w", err)
				}
				if ok {
					p.Success("Audit log verified")
				}
				return nil
			})
		},
	}
	cmd.Flags().String("id", "", "verify a single entry")
	return cmd
}

func newAuditExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			path, _ := cmd.Flags().GetString("file")
			p := newPrinter(cmd)

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				data, err := rt.Service.Export(ctx, filter, format)
				if err != nil {
					return fmt.Errorf("failed to export audit log: %w", err)
				}

				if path == "" {
					_, err = p.out.Write(data)
					return err
				}
				if err := os.WriteFile(path, data, 0o600); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				p.Success("Exported audit log to %s", path)
				return nil
			})
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().String("format", "json", "export format: json, csv")
	cmd.Flags().StringP("file", "f", "", "write to file instead of stdout")
	return cmd
}

func newAuditPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge audit entries older than the retention window",
		Long: `Remove audit entries recorded before --before. The cutoff must lie outside
the configured retention window. The purge itself is recorded as a
SECURITY_EVENT before any entry is removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			yes, _ := cmd.Flags().GetBool("yes")
			before, err := timeFlag(cmd, "before")
			if err != nil {
				return err
			}
			if before.IsZero() {
				return errors.New("--before is required")
			}
			p := newPrinter(cmd)

			if !yes {
				p.Warn("Refusing to purge without --yes")
				return errors.New("purge not confirmed")
			}

			return withRuntime(cmd, func(ctx context.Context, rt *service.Runtime) error {
				n, err := rt.Service.Purge(ctx, actor, before)
				if err != nil {
					return fmt.Errorf("failed to purge audit log: %w", err)
				}
				p.Success("Purged %d entries recorded before %s", n, before.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().String("before", "", "purge entries recorded before this time")
	cmd.Flags().String("actor", "", "user id performing the purge")
	cmd.Flags().Bool("yes", false, "confirm the purge")
	return cmd
}
