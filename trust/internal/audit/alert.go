package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/common/messaging"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

// Alert kinds.
const (
	KindStorageUnavailable = "storage_unavailable"
	KindSpoolOverflow      = "spool_overflow"
	KindIntegrityFailure   = "integrity_failure"
	KindEntryRejected      = "entry_rejected"
)

// Alert is an operational signal, distinct from business errors.
type Alert struct {
	Kind      string          `json:"kind"`
	Severity  models.Severity `json:"severity"`
	Message   string          `json:"message"`
	EntryID   string          `json:"entry_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Alerter delivers operational alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log and counts them.
type LogAlerter struct {
	logger *logging.Logger
}

func NewLogAlerter(logger *logging.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) {
	metrics.CriticalAlerts.WithLabelValues(a.Kind).Inc()
	attrs := []any{
		slog.String("alert", a.Kind),
		logging.Severity(string(a.Severity)),
	}
	if a.EntryID != "" {
		attrs = append(attrs, logging.EntryID(a.EntryID))
	}
	if a.Error != "" {
		attrs = append(attrs, slog.String(logging.FieldError, a.Error))
	}
	l.logger.ErrorContext(ctx, a.Message, attrs...)
}

// NATSAlerter publishes alerts on trust.alerts.<kind>.
type NATSAlerter struct {
	publisher messaging.Publisher
	logger    *logging.Logger
}

func NewNATSAlerter(publisher messaging.Publisher, logger *logging.Logger) *NATSAlerter {
	return &NATSAlerter{publisher: publisher, logger: logger}
}

func (n *NATSAlerter) Alert(ctx context.Context, a Alert) {
	if err := n.publisher.PublishJSON(ctx, messaging.AlertSubject(a.Kind), a); err != nil {
		n.logger.Warn("failed to publish alert", slog.String("alert", a.Kind), logging.Error(err))
	}
}

// MultiAlerter fans an alert out to every alerter in order.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) {
	for _, alerter := range m {
		alerter.Alert(ctx, a)
	}
}

// NewAlerter returns a log alerter, plus a NATS alerter when publisher is non-nil.
func NewAlerter(logger *logging.Logger, publisher messaging.Publisher) Alerter {
	alerters := MultiAlerter{NewLogAlerter(logger)}
	if publisher != nil {
		alerters = append(alerters, NewNATSAlerter(publisher, logger))
	}
	return alerters
}

func criticalAlert(kind, message, entryID string, err error) Alert {
	a := Alert{
		Kind:      kind,
		Severity:  models.SeverityCritical,
		Message:   message,
		EntryID:   entryID,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}
