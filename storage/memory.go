// Package storage provides in-memory record storage.
//
// Information Hiding:
// - Slice + key index structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and ephemeral sessions

package storage

import (
	"context"
	"sync"

	"github.com/richinex/urlverify/model"
)

// MemoryLog implements RecordLog using an in-memory slice.
// Data is lost when process terminates.
type MemoryLog struct {
	mu      sync.RWMutex
	records []model.VerificationRecord
	index   map[model.RecordKey]int
}

// NewMemoryLog creates a new in-memory record log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		index: make(map[model.RecordKey]int),
	}
}

// Find returns the record stored under key.
func (s *MemoryLog) Find(ctx context.Context, key model.RecordKey) (model.VerificationRecord, int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[key]
	if !ok {
		return model.VerificationRecord{}, -1, false, nil
	}
	return s.records[i], i, true, nil
}

// Upsert replaces the record with the same key or appends rec.
func (s *MemoryLog) Upsert(ctx context.Context, rec model.VerificationRecord) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	if i, ok := s.index[key]; ok {
		s.records[i] = rec
		return i, true, nil
	}

	s.records = append(s.records, rec)
	i := len(s.records) - 1
	s.index[key] = i
	return i, false, nil
}

// List returns a copy of all records in stored order.
func (s *MemoryLog) List(ctx context.Context) ([]model.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to avoid external mutations
	copied := make([]model.VerificationRecord, len(s.records))
	copy(copied, s.records)
	return copied, nil
}

// Len returns the number of records.
func (s *MemoryLog) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close is a no-op.
func (s *MemoryLog) Close() error {
	return nil
}

// Verify MemoryLog implements RecordLog
var _ RecordLog = (*MemoryLog)(nil)
