package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRecorder persists session-end records in PostgreSQL.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

func NewPostgresRecorder(ctx context.Context, databaseURL string) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRecorder{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_session_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			reason TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			cost_accumulated DOUBLE PRECISION NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_session_records_user_ended
			ON voice_session_records (user_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresRecorder) RecordSessionEnd(ctx context.Context, rec EndRecord) error {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_session_records
			(id, session_id, user_id, tier, reason, duration_seconds, cost_accumulated, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(),
		rec.SessionID,
		rec.UserID,
		rec.Tier,
		rec.Reason,
		rec.DurationSeconds,
		rec.CostAccumulated,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

func (s *PostgresRecorder) Close() error {
	s.pool.Close()
	return nil
}
