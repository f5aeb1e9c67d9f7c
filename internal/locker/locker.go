// Package locker provides bounded exclusive locks over individual wallet and
// holding rows. Every code path that touches both rows of one user must
// acquire them in the canonical order, wallet first, then holding; Keys
// produces that order so callers cannot deadlock against each other.
package locker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/papertrade/settlement/internal/domain"
)

// WalletKey names the lock guarding a user's wallet row.
func WalletKey(userID string) string { return "wallet:" + userID }

// HoldingKey names the lock guarding one (user, instrument) holding row.
func HoldingKey(userID, instrument string) string {
	return "holding:" + userID + ":" + instrument
}

// Keys returns the lock set for one user's wallet and holding in canonical
// acquisition order.
func Keys(userID, instrument string) []string {
	return []string{WalletKey(userID), HoldingKey(userID, instrument)}
}

// Locker hands out one exclusive lock per row key. Acquisition is bounded:
// waiting longer than the configured timeout fails with domain.ErrLockTimeout
// instead of blocking forever.
type Locker struct {
	mu      sync.Mutex
	rows    map[string]chan struct{}
	timeout time.Duration
}

// New creates a Locker with the given acquisition timeout per key.
func New(timeout time.Duration) *Locker {
	return &Locker{
		rows:    make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (l *Locker) row(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	return ch
}

// Acquire takes every key in the given order and returns a release function
// that frees them all. On timeout or context cancellation the keys already
// taken are released before the error is returned.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for _, key := range keys {
		ch := l.row(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			release()
			return nil, errors.Wrapf(domain.ErrLockTimeout, "key %s", key)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
