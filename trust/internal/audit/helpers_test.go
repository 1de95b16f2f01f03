package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
)

var errStoreDown = errors.New("connection refused")

func testWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:          64,
		SpoolSize:          8,
		MaxRetries:         2,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
		SpoolRetryInterval: 10 * time.Millisecond,
		BreakerMaxFailures: 100,
		BreakerTimeout:     10 * time.Millisecond,
		BreakerInterval:    time.Minute,
	}
}

// recordingAlerter captures alerts for assertions.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Kind
	}
	return out
}

func (r *recordingAlerter) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// flakyStore fails appends while down, or for the next failNext calls.
type flakyStore struct {
	*repository.InMemoryStore
	down     atomic.Bool
	failNext atomic.Int32
	attempts atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: repository.NewInMemoryStore()}
}

func (s *flakyStore) Append(ctx context.Context, e *models.AuditLogEntry) (string, error) {
	s.attempts.Add(1)
	if s.down.Load() {
		return "", errStoreDown
	}
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return "", errStoreDown
	}
	return s.InMemoryStore.Append(ctx, e)
}

// utf8Store refuses user agents that are not valid UTF-8, the way a TEXT
// column does.
type utf8Store struct {
	*flakyStore
}

func newUTF8Store() *utf8Store {
	return &utf8Store{flakyStore: newFlakyStore()}
}

func (s *utf8Store) Append(ctx context.Context, e *models.AuditLogEntry) (string, error) {
	if !s.down.Load() && !utf8.ValidString(e.UserAgent) {
		s.attempts.Add(1)
		return "", fmt.Errorf("%w: invalid byte sequence for encoding \"UTF8\" (SQLSTATE 22021)", repository.ErrEntryRejected)
	}
	return s.flakyStore.Append(ctx, e)
}

// tamperingStore applies a mutation to one entry whenever it is read back.
type tamperingStore struct {
	*repository.InMemoryStore
	mu     sync.Mutex
	target string
	mutate func(*models.AuditLogEntry)
}

func (s *tamperingStore) tamper(id string, fn func(*models.AuditLogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target, s.mutate = id, fn
}

func (s *tamperingStore) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditLogEntry, error) {
	entries, err := s.InMemoryStore.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ID == s.target && s.mutate != nil {
			s.mutate(e)
		}
	}
	return entries, nil
}

// newTestLogger wires a Logger to store through a fast Writer.
func newTestLogger(t *testing.T, store repository.Store, opts ...Option) (*Logger, *Writer, *recordingAlerter) {
	t.Helper()
	alerter := &recordingAlerter{}
	writer := NewWriter(store, alerter, logging.Discard(), testWriterConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = writer.Close(ctx)
	})
	opts = append([]Option{WithAlerter(alerter)}, opts...)
	return NewLogger(store, writer, opts...), writer, alerter
}

func flush(t *testing.T, l *Logger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
