package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.DeliveryRecord
	byPMID  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*domain.DeliveryRecord),
		byPMID:  make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, record *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("%w: delivery %s already exists", domain.ErrConflict, record.ID)
	}

	record.Version = 1
	s.records[record.ID] = record.Clone()
	if record.ProviderMessageID != "" {
		s.byPMID[record.ProviderMessageID] = record.ID
	}
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, record *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, record.ID)
	}
	if current.Version != record.Version {
		return fmt.Errorf("%w: delivery %s version %d, stored %d", domain.ErrConflict, record.ID, record.Version, current.Version)
	}

	if current.ProviderMessageID != "" && current.ProviderMessageID != record.ProviderMessageID {
		delete(s.byPMID, current.ProviderMessageID)
	}

	record.Version++
	s.records[record.ID] = record.Clone()
	if record.ProviderMessageID != "" {
		s.byPMID[record.ProviderMessageID] = record.ID
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	if record.ProviderMessageID != "" {
		delete(s.byPMID, record.ProviderMessageID)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPMID[providerMessageID]
	if !ok {
		return nil, fmt.Errorf("%w: provider message %s", domain.ErrNotFound, providerMessageID)
	}
	return s.records[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter domain.DeliveryFilter) ([]*domain.DeliveryRecord, error) {
	s.mu.RLock()
	out := make([]*domain.DeliveryRecord, 0)
	for _, record := range s.records {
		if filter.Matches(record) {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
