// Package cli implements trustctl, the operator command line for the trust
// layer.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/service"
)

const defaultTimeout = 2 * time.Minute

// NewRootCommand builds the trustctl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "trustctl",
		Short: "SSDP trust layer operator CLI",
		Long: `trustctl operates the SSDP trust layer directly against its audit store.

Verify and export the audit log, purge entries past retention, scan records
for ZATCA, PDPL, HIPAA and NPHIES compliance, and inspect the role table.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "config file (default: $TRUST_CONFIG_DIR/config.yaml)")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "overall command timeout")

	root.AddCommand(
		newAuditCommand(),
		newComplianceCommand(),
		newRolesCommand(),
		newOwnershipCommand(),
		newTokenCommand(),
		newAlertsCommand(),
	)
	return root
}

// Execute runs trustctl and prints a failure to stderr.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("output")
	return format
}

// withRuntime opens the trust runtime for the duration of fn. Operational
// logs go to stderr so stdout stays machine readable.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *service.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("trustctl"))

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := service.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(ctx, rt)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := rt.Close(closeCtx); err != nil && runErr == nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return runErr
}
