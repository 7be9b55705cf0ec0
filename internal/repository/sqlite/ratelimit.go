package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RateLimiter is a fixed-window counter stored in the rate_limits table.
type RateLimiter struct {
	store    *Store
	capacity int
	window   time.Duration
	now      func() time.Time
}

func NewRateLimiter(store *Store, capacity int, window time.Duration) (*RateLimiter, error) {
	if store == nil {
		return nil, errors.New("sqlite: store must not be nil")
	}
	if capacity <= 0 {
		return nil, errors.New("sqlite: rate limit capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("sqlite: rate limit window must be positive")
	}
	return &RateLimiter{store: store, capacity: capacity, window: window, now: time.Now}, nil
}

// Allow counts one request for key. The upsert only increments while hits is
// below capacity, so a rejected request changes no row.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n := l.now().UnixNano()
	start := n - n%l.window.Nanoseconds()

	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO rate_limits (key, window_start, hits) VALUES (?, ?, 1)
		ON CONFLICT(key, window_start) DO UPDATE SET hits = hits + 1 WHERE hits < ?`,
		key, start, l.capacity)
	if err != nil {
		return false, fmt.Errorf("sqlite: rate limit %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rate limit %q: %w", key, err)
	}
	if affected == 0 {
		return false, nil
	}

	// Expired windows for this key are never read again; cleanup is best effort.
	_, _ = l.store.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE key = ? AND window_start < ?`, key, start)
	return true, nil
}
