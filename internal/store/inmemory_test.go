package store

import (
	"context"
	"testing"
)

func TestInMemoryRecorderAppends(t *testing.T) {
	s := NewInMemoryRecorder()
	err := s.RecordSessionEnd(context.Background(), EndRecord{
		SessionID:       "s1",
		UserID:          "u1",
		Tier:            "free",
		Reason:          "client_close",
		DurationSeconds: 12.5,
		CostAccumulated: 0.04,
	})
	if err != nil {
		t.Fatalf("RecordSessionEnd() error = %v", err)
	}

	recs := s.Records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].SessionID != "s1" || recs[0].EndedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}

func TestFactoryDefaultsToInMemory(t *testing.T) {
	rec, err := NewRecorder(context.Background(), "")
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}
	if _, ok := rec.(*InMemoryRecorder); !ok {
		t.Fatalf("recorder type = %T, want *InMemoryRecorder", rec)
	}
}
