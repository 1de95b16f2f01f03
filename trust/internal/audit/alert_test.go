package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/models"
)

type published struct {
	subject string
	data    []byte
}

// fakePublisher records PublishJSON calls the way the NATS client encodes them.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, subject, data)
}

func (p *fakePublisher) Close() error { return nil }

func TestNATSAlerter_PublishesOnKindSubject(t *testing.T) {
	pub := &fakePublisher{}
	alerter := NewNATSAlerter(pub, logging.Discard())

	a := criticalAlert(KindStorageUnavailable, "audit entry could not be persisted", "e-1", errors.New("connection refused"))
	alerter.Alert(context.Background(), a)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "trust.alerts.storage_unavailable", pub.msgs[0].subject)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &payload))
	assert.Equal(t, "storage_unavailable", payload["kind"])
	assert.Equal(t, "CRITICAL", payload["severity"])
	assert.Equal(t, "audit entry could not be persisted", payload["message"])
	assert.Equal(t, "e-1", payload["entry_id"])
	assert.Equal(t, "connection refused", payload["error"])

	ts, err := time.Parse(time.RFC3339Nano, payload["timestamp"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestNATSAlerter_OmitsEmptyFields(t *testing.T) {
	pub := &fakePublisher{}
	NewNATSAlerter(pub, logging.Discard()).Alert(context.Background(), criticalAlert(KindSpoolOverflow, "spool full", "", nil))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "trust.alerts.spool_overflow", pub.msgs[0].subject)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &payload))
	assert.NotContains(t, payload, "entry_id")
	assert.NotContains(t, payload, "error")
}

func TestNATSAlerter_PublishFailureDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	alerter := NewNATSAlerter(pub, logging.Discard())
	assert.NotPanics(t, func() {
		alerter.Alert(context.Background(), criticalAlert(KindIntegrityFailure, "mismatch", "e-2", nil))
	})
	assert.Empty(t, pub.msgs)
}

func TestNewAlerter_FansOut(t *testing.T) {
	pub := &fakePublisher{}
	alerter := NewAlerter(logging.Discard(), pub)

	multi, ok := alerter.(MultiAlerter)
	require.True(t, ok)
	assert.Len(t, multi, 2)

	alerter.Alert(context.Background(), Alert{Kind: KindEntryRejected, Severity: models.SeverityCritical})
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "trust.alerts.entry_rejected", pub.msgs[0].subject)

	logOnly, ok := NewAlerter(logging.Discard(), nil).(MultiAlerter)
	require.True(t, ok)
	assert.Len(t, logOnly, 1)
}
