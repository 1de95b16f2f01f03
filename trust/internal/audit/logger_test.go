package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
)

func TestLogDataAccess(t *testing.T) {
	store := repository.NewInMemoryStore()
	l, _, _ := newTestLogger(t, store)
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-7")

	entry, err := l.LogDataAccess(ctx, "rep-1", models.ResourceOutlet, "outlet-3", []string{"name", "phone"}, "10.0.0.8")
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, models.ActionRead, entry.Action)
	assert.Equal(t, models.SeverityInfo, entry.Severity)
	assert.Equal(t, "10.0.0.8", entry.IPAddress)
	assert.Equal(t, []any{"name", "phone"}, entry.Details["fields_accessed"])
	assert.Equal(t, "req-7", entry.Details["request_id"])
	assert.Equal(t, time.UTC, entry.Timestamp.Location())
	assert.Equal(t, entry.Timestamp, entry.Timestamp.Truncate(time.Microsecond))

	flush(t, l)
	stored, err := l.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Checksum, stored.Checksum)
	assert.True(t, VerifyIntegrity(stored))
}

func TestLogModification_RedactsSensitivePlaintext(t *testing.T) {
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore())
	cipherLike := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 40))

	entry, err := l.LogModification(context.Background(), "fin-1", models.ActionUpdate, models.ResourceOutlet, "outlet-1", map[string]any{
		"email":        gofakeit.Email(),
		"iban":         cipherLike,
		"credit_limit": 25000,
		"name":         "Al Noor Grocery",
		"contact":      map[string]any{"phone": gofakeit.Phone(), "role": "owner"},
		"national_id":  map[string]any{"old": "1111111111", "new": "2222222222"},
	})
	require.NoError(t, err)

	changes := entry.Details["changes"].(map[string]any)
	assert.Equal(t, Redacted, changes["email"])
	assert.Equal(t, cipherLike, changes["iban"])
	assert.Equal(t, Redacted, changes["credit_limit"])
	assert.Equal(t, "Al Noor Grocery", changes["name"])
	assert.Equal(t, Redacted, changes["contact"].(map[string]any)["phone"])
	assert.Equal(t, "owner", changes["contact"].(map[string]any)["role"])
	assert.Equal(t, Redacted, changes["national_id"])
	assert.True(t, VerifyIntegrity(entry))
}

func TestLogModification_RejectsNonModification(t *testing.T) {
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore())

	_, err := l.LogModification(context.Background(), "u", models.ActionRead, models.ResourceOrder, "o", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	entry, err := l.LogModification(context.Background(), "u", models.ActionDelete, models.ResourceOrder, "o", nil)
	require.NoError(t, err)
	assert.NotContains(t, entry.Details, "changes")
}

func TestLogSecurityEvent(t *testing.T) {
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore())

	entry, err := l.LogSecurityEvent(context.Background(), "u-9", "rate_limit_exceeded", map[string]any{"ip": "1.2.3.4"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.ActionSecurityEvent, entry.Action)
	assert.Equal(t, models.ResourceSystem, entry.ResourceType)
	assert.Equal(t, SecurityEventResourceID, entry.ResourceID)
	assert.Equal(t, models.SeverityWarning, entry.Severity)
	assert.Equal(t, "rate_limit_exceeded", entry.Details["event_type"])
	assert.Equal(t, "1.2.3.4", entry.Details["ip"])

	entry, err = l.LogSecurityEvent(context.Background(), "u-9", "key_rotation", nil, models.SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, entry.Severity)

	_, err = l.LogSecurityEvent(context.Background(), "u-9", "", nil, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLog_Validation(t *testing.T) {
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore())

	tests := []struct {
		name string
		ev   Event
	}{
		{name: "empty user", ev: Event{Action: models.ActionRead, ResourceType: models.ResourceOrder}},
		{name: "bad action", ev: Event{UserID: "u", Action: "ERASE", ResourceType: models.ResourceOrder}},
		{name: "bad resource", ev: Event{UserID: "u", Action: models.ActionRead, ResourceType: "spaceship"}},
		{name: "bad severity", ev: Event{UserID: "u", Action: models.ActionRead, ResourceType: models.ResourceOrder, Severity: "LOUD"}},
		{name: "unserializable details", ev: Event{UserID: "u", Action: models.ActionRead, ResourceType: models.ResourceOrder, Details: map[string]any{"ch": make(chan int)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Log(context.Background(), tt.ev)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestLog_ConcurrentEntriesAreDistinctAndVerifiable(t *testing.T) {
	const n = 1000
	store := repository.NewInMemoryStore()
	cfg := testWriterConfig()
	cfg.QueueSize, cfg.SpoolSize = n, n
	writer := NewWriter(store, &recordingAlerter{}, logging.Discard(), cfg)
	t.Cleanup(func() { _ = closeWriter(t, writer) })
	l := NewLogger(store, writer)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.LogDataAccess(context.Background(), fmt.Sprintf("user-%d", i), models.ResourceOrder, "order-1", []string{"total"}, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	flush(t, l)

	entries, err := l.GetLogs(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, n)

	ids := make(map[string]bool, n)
	for _, e := range entries {
		assert.False(t, ids[e.ID], "duplicate id %s", e.ID)
		ids[e.ID] = true
		assert.True(t, VerifyIntegrity(e))
	}
}

func TestGetLogs_Filters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	_, err := l.LogDataAccess(ctx, "a", models.ResourceOutlet, "o1", nil, "")
	require.NoError(t, err)
	clock.Set(clock.Now().Add(time.Hour))
	_, err = l.LogModification(ctx, "b", models.ActionCreate, models.ResourceOrder, "r1", nil)
	require.NoError(t, err)
	clock.Set(clock.Now().Add(time.Hour))
	_, err = l.LogSecurityEvent(ctx, "a", "login_failed", nil, models.SeverityError)
	require.NoError(t, err)
	flush(t, l)

	byUser, err := l.GetLogs(ctx, models.AuditFilter{UserID: "a"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	bySeverity, err := l.GetLogs(ctx, models.AuditFilter{Severity: models.SeverityError})
	require.NoError(t, err)
	require.Len(t, bySeverity, 1)
	assert.Equal(t, models.ActionSecurityEvent, bySeverity[0].Action)

	byRange, err := l.GetLogs(ctx, models.AuditFilter{
		From: time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 1, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	assert.Equal(t, "b", byRange[0].UserID)

	_, err = l.GetLogs(ctx, models.AuditFilter{ResourceType: "nope"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestExport(t *testing.T) {
	l, _, _ := newTestLogger(t, repository.NewInMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.LogDataAccess(ctx, fmt.Sprintf("u%d", i), models.ResourceInvoice, fmt.Sprintf("inv-%d", i), []string{"total"}, "")
		require.NoError(t, err)
	}
	flush(t, l)

	t.Run("json", func(t *testing.T) {
		data, err := l.Export(ctx, models.AuditFilter{}, FormatJSON)
		require.NoError(t, err)

		var entries []models.AuditLogEntry
		require.NoError(t, json.Unmarshal(data, &entries))
		require.Len(t, entries, 3)
		assert.Equal(t, "u0", entries[0].UserID)
		assert.NotEmpty(t, entries[0].Checksum)
		assert.True(t, VerifyIntegrity(&entries[2]))
	})

	t.Run("csv", func(t *testing.T) {
		data, err := l.Export(ctx, models.AuditFilter{}, FormatCSV)
		require.NoError(t, err)

		rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, []string{"id", "timestamp", "user_id", "action", "resource_type", "resource_id", "severity", "checksum"}, rows[0])
		assert.Equal(t, "u1", rows[2][2])
		assert.Equal(t, "READ", rows[2][3])
		assert.Equal(t, "inv-1", rows[2][5])
	})

	t.Run("empty json is an array", func(t *testing.T) {
		data, err := l.Export(ctx, models.AuditFilter{UserID: "nobody"}, FormatJSON)
		require.NoError(t, err)
		assert.JSONEq(t, "[]", string(data))
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := l.Export(ctx, models.AuditFilter{}, "xml")
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestVerifyAll(t *testing.T) {
	store := &tamperingStore{InMemoryStore: repository.NewInMemoryStore()}
	l, _, alerter := newTestLogger(t, store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := l.LogDataAccess(ctx, "u", models.ResourceOrder, fmt.Sprintf("o%d", i), nil, "")
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	flush(t, l)

	idx, ok, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, idx)

	store.tamper(ids[1], func(e *models.AuditLogEntry) { e.ResourceID = "o-forged" })

	idx, ok, err = l.VerifyAll(ctx)
	assert.False(t, ok)
	assert.Equal(t, 1, idx)
	require.ErrorIs(t, err, models.ErrIntegrity)

	var ierr *models.IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ids[1], ierr.EntryID)
	assert.Equal(t, 1, alerter.count(KindIntegrityFailure))

	verified, err := l.VerifyEntry(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, verified)

	_, err = l.VerifyEntry(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrEntryNotFound)
}

func TestPurge(t *testing.T) {
	store := newFlakyStore()
	clock := &fakeClock{now: time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)}
	l, _, _ := newTestLogger(t, store, WithClock(clock.Now))
	ctx := context.Background()

	for _, year := range []int{2015, 2016, 2025} {
		clock.Set(time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC))
		_, err := l.LogDataAccess(ctx, "u", models.ResourceOrder, fmt.Sprintf("o-%d", year), nil, "")
		require.NoError(t, err)
	}
	flush(t, l)
	clock.Set(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	t.Run("cutoff inside retention window", func(t *testing.T) {
		_, err := l.Purge(ctx, "admin-1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing actor", func(t *testing.T) {
		_, err := l.Purge(ctx, "", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("store unavailable removes nothing", func(t *testing.T) {
		store.down.Store(true)
		defer store.down.Store(false)

		_, err := l.Purge(ctx, "admin-1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, models.ErrStorageUnavailable)
		assert.Equal(t, 3, store.Len())
	})

	t.Run("purge is documented before removal", func(t *testing.T) {
		removed, err := l.Purge(ctx, "admin-1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		remaining, err := l.GetLogs(ctx, models.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, remaining, 2)
		assert.Equal(t, "o-2025", remaining[0].ResourceID)

		event := remaining[1]
		assert.Equal(t, models.ActionSecurityEvent, event.Action)
		assert.Equal(t, EventRetentionPurge, event.Details["event_type"])
		assert.Equal(t, "admin-1", event.Details["purged_by"])
		assert.Equal(t, float64(2), event.Details["entry_count"])
		assert.Equal(t, "2020-01-01T00:00:00Z", event.Details["cutoff"])
		assert.True(t, VerifyIntegrity(event))
	})
}
