package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

const (
	seqRequestEvents = "request_events"
	seqBatchQueue    = "batch_queue"
)

// sequences hands out durable, strictly increasing numbers per name. Request
// events are ordered by one; batch queue positions by another, so queue order
// survives restarts and never depends on the wall clock.
type sequences struct {
	mu sync.Mutex
	db *sql.DB
}

// Next returns the next value of the named sequence, starting at 1.
func (s *sequences) Next(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ent's builders cannot express an upsert with RETURNING, so this one
	// statement stays raw.
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (name, next_val) VALUES (?, 2)
		 ON CONFLICT (name) DO UPDATE SET next_val = next_val + 1
		 RETURNING next_val - 1`,
		name,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", name, err)
	}
	return v, nil
}
