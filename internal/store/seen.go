package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SeenStore remembers digest items that were already delivered.
type SeenStore struct {
	db *sql.DB
}

func NewSeenStore(db *sql.DB) *SeenStore { return &SeenStore{db: db} }

// MarkSeen records hash and reports whether it was new.
func (s *SeenStore) MarkSeen(ctx context.Context, hash, title, source string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO digest_seen (hash, title, source, seen_at) VALUES (?, ?, ?, ?)
ON CONFLICT(hash) DO NOTHING`, hash, title, source, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("marking item seen: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Seen reports whether hash is already recorded without recording it.
func (s *SeenStore) Seen(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM digest_seen WHERE hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("checking seen item: %w", err)
	}
	return n > 0, nil
}

// PruneSeen forgets items recorded before cutoff.
func (s *SeenStore) PruneSeen(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM digest_seen WHERE seen_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning seen items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
