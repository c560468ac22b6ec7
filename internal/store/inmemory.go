package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryRecorder keeps session-end records in process memory. Used
// when DATABASE_URL is not configured, and by tests.
type InMemoryRecorder struct {
	mu      sync.Mutex
	records []EndRecord
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func (s *InMemoryRecorder) RecordSessionEnd(_ context.Context, rec EndRecord) error {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a snapshot of everything recorded so far.
func (s *InMemoryRecorder) Records() []EndRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EndRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *InMemoryRecorder) Close() error { return nil }
