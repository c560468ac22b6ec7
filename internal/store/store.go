package store

import (
	"context"
	"time"
)

// EndRecord is the durable summary written when a session closes for
// any reason (explicit close, idle eviction, grace expiry, cost cap).
type EndRecord struct {
	SessionID       string
	UserID          string
	Tier            string
	Reason          string
	DurationSeconds float64
	CostAccumulated float64
	EndedAt         time.Time
}

// Recorder is the persistence collaborator consumed by the pipeline.
type Recorder interface {
	RecordSessionEnd(ctx context.Context, rec EndRecord) error
	Close() error
}
