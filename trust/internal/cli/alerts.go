package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/common/messaging"
	natsclient "github.com/ssdp-platform/trust/common/messaging/nats"
	"github.com/ssdp-platform/trust/trust/internal/audit"
)

func newAlertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Operational alerts published by trustd",
	}
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream alerts from the message bus",
		Long: `Subscribe to trust.alerts.> (or a single kind with --kind) and print each
alert as it arrives. Runs until interrupted or until --count alerts were seen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			count, _ := cmd.Flags().GetInt("count")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.NATS.Enabled {
				return errors.New("nats is not enabled in the configuration")
			}

			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
				With(logging.Service("trustctl"))

			natsCfg := natsclient.DefaultConfig()
			natsCfg.URL = cfg.NATS.URL
			natsCfg.Name = "trustctl"
			client, err := natsclient.NewClient(natsCfg, logger.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			subject := messaging.SubjectTrustAlertsAll
			if kind != "" {
				subject = messaging.AlertSubject(kind)
			}
			logger.Info("watching alerts", slog.String("subject", subject))

			return watchAlerts(ctx, client, subject, count, alertRenderer(cmd))
		},
	}
	watch.Flags().String("kind", "", "only this alert kind, e.g. storage_unavailable")
	watch.Flags().Int("count", 0, "exit after this many alerts (0 = run until interrupted)")
	cmd.AddCommand(watch)
	return cmd
}

// watchAlerts subscribes to subject and passes decoded alerts to render until
// ctx ends or count alerts were rendered.
func watchAlerts(ctx context.Context, sub messaging.Subscriber, subject string, count int, render func(audit.Alert) error) error {
	received := make(chan audit.Alert, 64)
	s, err := sub.Subscribe(subject, func(_ context.Context, msg *messaging.Message) error {
		var a audit.Alert
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			return fmt.Errorf("decode alert on %s: %w", msg.Subject, err)
		}
		select {
		case received <- a:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Unsubscribe() }()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-received:
			if err := render(a); err != nil {
				return err
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func alertRenderer(cmd *cobra.Command) func(audit.Alert) error {
	p := newPrinter(cmd)
	if outputFormat(cmd) == "json" {
		enc := json.NewEncoder(p.out)
		return func(a audit.Alert) error { return enc.Encode(a) }
	}
	return func(a audit.Alert) error {
		line := fmt.Sprintf("%s %s %s",
			a.Timestamp.UTC().Format(time.RFC3339),
			severityColor(a.Severity).Sprint(string(a.Severity)),
			a.Kind)
		if a.EntryID != "" {
			line += " entry=" + a.EntryID
		}
		line += " " + a.Message
		if a.Error != "" {
			line += ": " + a.Error
		}
		_, err := fmt.Fprintln(p.out, line)
		return err
	}
}
