package bank

import (
	"context"
	"fmt"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	records map[InstitutionID]Record
}

// NewMemoryRepository constructs an in-memory repository for tests and development.
func NewMemoryRepository(records ...Record) Repository {
	repo := &memoryRepository{records: make(map[InstitutionID]Record)}
	for _, rec := range records {
		repo.records[rec.InstitutionID] = rec.Clone()
	}
	return repo
}

func (r *memoryRepository) Load(_ context.Context, id InstitutionID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	return rec.Clone(), nil
}

func (r *memoryRepository) Save(_ context.Context, id InstitutionID, record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = record.Clone()
	return nil
}
