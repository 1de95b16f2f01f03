package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/ssdp-platform/trust/common/config"
	"github.com/ssdp-platform/trust/common/logging"
	"github.com/ssdp-platform/trust/trust/internal/metrics"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/repository"
)

// WriterConfig tunes the background persistence pipeline.
type WriterConfig struct {
	QueueSize          int
	SpoolSize          int
	MaxRetries         int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	SpoolRetryInterval time.Duration
	DeadLetterSize     int

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:          4096,
		SpoolSize:          10000,
		MaxRetries:         5,
		InitialBackoff:     100 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		SpoolRetryInterval: 30 * time.Second,
		DeadLetterSize:     1000,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
		BreakerInterval:    60 * time.Second,
	}
}

// WriterConfigFrom maps loaded configuration onto a WriterConfig, keeping
// defaults for unset values.
func WriterConfigFrom(cfg config.AuditConfig) WriterConfig {
	wc := DefaultWriterConfig()
	if cfg.QueueSize > 0 {
		wc.QueueSize = cfg.QueueSize
	}
	if cfg.SpoolSize > 0 {
		wc.SpoolSize = cfg.SpoolSize
	}
	if cfg.MaxRetries > 0 {
		wc.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		wc.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		wc.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.SpoolRetryInterval > 0 {
		wc.SpoolRetryInterval = cfg.SpoolRetryInterval
	}
	if cfg.DeadLetterSize > 0 {
		wc.DeadLetterSize = cfg.DeadLetterSize
	}
	if cfg.Breaker.MaxFailures > 0 {
		wc.BreakerMaxFailures = cfg.Breaker.MaxFailures
	}
	if cfg.Breaker.Timeout > 0 {
		wc.BreakerTimeout = cfg.Breaker.Timeout
	}
	if cfg.Breaker.Interval > 0 {
		wc.BreakerInterval = cfg.Breaker.Interval
	}
	return wc
}

// WriterStats is a point-in-time view of the pipeline.
type WriterStats struct {
	Pending         int64  `json:"pending"`
	QueueDepth      int    `json:"queue_depth"`
	SpoolDepth      int    `json:"spool_depth"`
	DeadLetterDepth int    `json:"dead_letter_depth"`
	BreakerState    string `json:"breaker_state"`
}

// Writer persists audit entries off the caller's path. Enqueue never
// blocks: entries go to a bounded queue drained by one worker, which retries
// with exponential backoff behind a circuit breaker. Entries that still fail
// are held in a bounded local spool and retried periodically. Entries the
// store rejects outright are moved to a bounded dead-letter list and never
// retried.
type Writer struct {
	store   repository.Store
	alerter Alerter
	logger  *logging.Logger
	cfg     WriterConfig
	breaker *gobreaker.CircuitBreaker[string]

	queue   chan *models.AuditLogEntry
	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	spoolMu    sync.Mutex
	spool      []*models.AuditLogEntry
	deadLetter []*models.AuditLogEntry

	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWriter starts the background worker. Call Close to stop it.
func NewWriter(store repository.Store, alerter Alerter, logger *logging.Logger, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SpoolSize <= 0 {
		cfg.SpoolSize = def.SpoolSize
	}
	if cfg.SpoolRetryInterval <= 0 {
		cfg.SpoolRetryInterval = def.SpoolRetryInterval
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = def.DeadLetterSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:   store,
		alerter: alerter,
		logger:  logger,
		cfg:     cfg,
		queue:   make(chan *models.AuditLogEntry, cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	maxFailures := cfg.BreakerMaxFailures
	w.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "audit-store",
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// A rejected entry says nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, repository.ErrDuplicateEntry) ||
				errors.Is(err, repository.ErrEntryRejected)
		},
	})

	go w.run()
	return w
}

// Enqueue hands entry to the worker. A full queue diverts the entry to the
// spool instead of blocking. After Close, entries are appended directly.
func (w *Writer) Enqueue(entry *models.AuditLogEntry) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		w.persistDirect(entry)
		return
	}

	w.pending.Add(1)
	select {
	case w.queue <- entry:
		metrics.AuditQueueDepth.Set(float64(len(w.queue)))
	default:
		w.logger.Warn("audit queue full, spooling entry", logging.EntryID(entry.ID))
		w.toSpool(entry)
	}
}

// Flush waits until every enqueued entry has been persisted or ctx ends.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if w.pending.Load() == 0 {
			return nil
		}
		if w.SpoolLen() > 0 {
			select {
			case w.kick <- struct{}{}:
			default:
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush audit writer: %d entries pending: %w", w.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops accepting queued work, persists what it can and stops the
// worker. Entries still spooled afterwards are reported as an error.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.done)
		w.closeMu.Unlock()
	})

	select {
	case <-w.stopped:
	case <-ctx.Done():
		w.cancel()
		<-w.stopped
	}
	w.cancel()

	if n := w.SpoolLen(); n > 0 {
		w.logger.Error("audit entries left unpersisted at shutdown", slog.Int("count", n))
		return fmt.Errorf("%d audit entries left in spool: %w", n, models.ErrStorageUnavailable)
	}
	return nil
}

// SpoolLen returns the number of spooled entries.
func (w *Writer) SpoolLen() int {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()
	return len(w.spool)
}

// DeadLetters returns copies of the entries the store rejected, oldest first.
func (w *Writer) DeadLetters() []*models.AuditLogEntry {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()
	out := make([]*models.AuditLogEntry, len(w.deadLetter))
	for i, e := range w.deadLetter {
		out[i] = e.Clone()
	}
	return out
}

// Stats reports the pipeline state.
func (w *Writer) Stats() WriterStats {
	w.spoolMu.Lock()
	spooled, dead := len(w.spool), len(w.deadLetter)
	w.spoolMu.Unlock()

	return WriterStats{
		Pending:         w.pending.Load(),
		QueueDepth:      len(w.queue),
		SpoolDepth:      spooled,
		DeadLetterDepth: dead,
		BreakerState:    w.breaker.State().String(),
	}
}

func (w *Writer) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.SpoolRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-w.queue:
			metrics.AuditQueueDepth.Set(float64(len(w.queue)))
			w.persist(entry)
		case <-ticker.C:
			w.drainSpool()
		case <-w.kick:
			w.drainSpool()
		case <-w.done:
			w.shutdown()
			return
		}
	}
}

func (w *Writer) shutdown() {
	for {
		select {
		case entry := <-w.queue:
			w.persist(entry)
		default:
			metrics.AuditQueueDepth.Set(0)
			w.drainSpool()
			return
		}
	}
}

func (w *Writer) persist(entry *models.AuditLogEntry) {
	start := time.Now()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxRetries)), w.ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := w.appendOnce(entry)
		if errors.Is(err, gobreaker.ErrOpenState) ||
			errors.Is(err, gobreaker.ErrTooManyRequests) ||
			errors.Is(err, repository.ErrEntryRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		w.logger.Warn("audit append failed, retrying",
			logging.EntryID(entry.ID),
			logging.Attempts(attempts),
			logging.Error(err),
			slog.Duration("backoff", next),
		)
	})
	metrics.AuditPersistDuration.Observe(time.Since(start).Seconds())

	if errors.Is(err, repository.ErrEntryRejected) {
		w.toDeadLetter(entry, err)
		w.pending.Add(-1)
		return
	}
	if err != nil {
		metrics.AuditPersistTotal.WithLabelValues("spooled").Inc()
		w.toSpool(entry)
		suErr := &models.StorageUnavailableError{EntryID: entry.ID, Attempts: attempts, Err: err}
		w.alerter.Alert(w.ctx, criticalAlert(KindStorageUnavailable,
			"audit entry could not be persisted, held in local spool", entry.ID, suErr))
		return
	}

	metrics.AuditPersistTotal.WithLabelValues("persisted").Inc()
	w.pending.Add(-1)
}

// persistDirect is the post-Close path: one synchronous attempt.
func (w *Writer) persistDirect(entry *models.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.store.Append(ctx, entry)
	if errors.Is(err, repository.ErrEntryRejected) {
		w.toDeadLetter(entry, err)
		return
	}
	if err != nil && !errors.Is(err, repository.ErrDuplicateEntry) {
		metrics.AuditPersistTotal.WithLabelValues("lost").Inc()
		suErr := &models.StorageUnavailableError{EntryID: entry.ID, Attempts: 1, Err: err}
		w.alerter.Alert(ctx, criticalAlert(KindStorageUnavailable,
			"audit entry could not be persisted after writer shutdown", entry.ID, suErr))
		return
	}
	metrics.AuditPersistTotal.WithLabelValues("persisted").Inc()
}

func (w *Writer) appendOnce(entry *models.AuditLogEntry) error {
	_, err := w.breaker.Execute(func() (string, error) {
		return w.store.Append(w.ctx, entry)
	})
	if errors.Is(err, repository.ErrDuplicateEntry) {
		return nil
	}
	return err
}

func (w *Writer) toSpool(entry *models.AuditLogEntry) {
	var dropped *models.AuditLogEntry

	w.spoolMu.Lock()
	if len(w.spool) >= w.cfg.SpoolSize {
		dropped = w.spool[0]
		w.spool = append(w.spool[:0:0], w.spool[1:]...)
	}
	w.spool = append(w.spool, entry)
	metrics.AuditSpoolDepth.Set(float64(len(w.spool)))
	w.spoolMu.Unlock()

	if dropped != nil {
		w.pending.Add(-1)
		metrics.AuditSpoolDropped.Inc()
		w.alerter.Alert(w.ctx, criticalAlert(KindSpoolOverflow,
			"audit spool full, oldest entry dropped", dropped.ID, nil))
	}
}

// toDeadLetter parks an entry the store will never accept. The oldest dead
// letter is discarded when the list is full.
func (w *Writer) toDeadLetter(entry *models.AuditLogEntry, err error) {
	w.spoolMu.Lock()
	if len(w.deadLetter) >= w.cfg.DeadLetterSize {
		w.deadLetter = append(w.deadLetter[:0:0], w.deadLetter[1:]...)
	}
	w.deadLetter = append(w.deadLetter, entry)
	metrics.AuditDeadLetterDepth.Set(float64(len(w.deadLetter)))
	w.spoolMu.Unlock()

	metrics.AuditPersistTotal.WithLabelValues("rejected").Inc()
	w.alerter.Alert(w.ctx, criticalAlert(KindEntryRejected,
		"audit entry rejected by store, moved to dead letter", entry.ID, err))
}

// removeFromSpool reports whether entry was still spooled. It may have been
// dropped by an overflow while the lock was released.
func (w *Writer) removeFromSpool(entry *models.AuditLogEntry) bool {
	w.spoolMu.Lock()
	defer w.spoolMu.Unlock()

	found := false
	for i, e := range w.spool {
		if e == entry {
			w.spool = append(w.spool[:i], w.spool[i+1:]...)
			found = true
			break
		}
	}
	metrics.AuditSpoolDepth.Set(float64(len(w.spool)))
	return found
}

// drainSpool retries spooled entries oldest first and stops at the first
// transient failure. Rejected entries leave the spool for the dead letter.
func (w *Writer) drainSpool() {
	for {
		w.spoolMu.Lock()
		if len(w.spool) == 0 {
			w.spoolMu.Unlock()
			return
		}
		entry := w.spool[0]
		w.spoolMu.Unlock()

		err := w.appendOnce(entry)
		switch {
		case errors.Is(err, repository.ErrEntryRejected):
			if w.removeFromSpool(entry) {
				w.pending.Add(-1)
				w.toDeadLetter(entry, err)
			}
			continue
		case err != nil:
			w.logger.Debug("spool drain deferred", logging.EntryID(entry.ID), logging.Error(err))
			return
		}

		metrics.AuditPersistTotal.WithLabelValues("recovered").Inc()
		if w.removeFromSpool(entry) {
			w.pending.Add(-1)
		}
	}
}
