package compliance

import (
	"context"
	"errors"

	"github.com/ssdp-platform/trust/trust/internal/repository"
)

// EvidenceLookup confirms that an audit entry exists.
type EvidenceLookup interface {
	EntryExists(ctx context.Context, id string) (bool, error)
}

// StoreEvidence resolves audit references against the audit store.
type StoreEvidence struct {
	store repository.Store
}

func NewStoreEvidence(store repository.Store) *StoreEvidence {
	return &StoreEvidence{store: store}
}

func (s *StoreEvidence) EntryExists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrEntryNotFound):
		return false, nil
	}
	return false, err
}
