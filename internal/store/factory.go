package store

import (
	"context"
	"strings"
)

// NewRecorder picks the backing store: Postgres when DATABASE_URL is
// set, in-memory otherwise.
func NewRecorder(ctx context.Context, databaseURL string) (Recorder, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryRecorder(), nil
	}
	return NewPostgresRecorder(ctx, databaseURL)
}
