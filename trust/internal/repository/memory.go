package repository

import (
	"context"
	"sync"
	"time"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// InMemoryStore is an arena of sequentially indexed entries. Entries are
// copied on the way in and out.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*models.AuditLogEntry
	byID    map[string]int
	nextSeq int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID: make(map[string]int),
	}
}

func (s *InMemoryStore) Append(ctx context.Context, entry *models.AuditLogEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[entry.ID]; exists {
		return "", ErrDuplicateEntry
	}

	s.nextSeq++
	entry.Sequence = s.nextSeq

	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry.Clone())
	return entry.ID, nil
}

func (s *InMemoryStore) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.AuditLogEntry, 0)
	for _, e := range s.entries {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e.Clone())
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return s.entries[idx].Clone(), nil
}

func (s *InMemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			delete(s.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	for i, e := range s.entries {
		s.byID[e.ID] = i
	}
	return removed, nil
}

func (s *InMemoryStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
