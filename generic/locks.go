/*
locks.go - Key-scoped locks with bounded wait

PURPOSE:
  Serializes validate-and-apply on the same StockPosition key inside one
  process. Every commit, reversal and transfer locks all keys it touches
  before opening its store transaction.

ORDERING:
  Keys are de-duplicated and sorted with PositionKey.Less before acquisition.
  Two transfers moving stock in opposite directions between the same two
  positions therefore lock in the same order and cannot deadlock.

BOUNDED WAIT:
  Each attempt waits at most LockConfig.Wait for all keys. On timeout every
  key already held is released, the caller backs off (doubling each time)
  and tries again. After LockConfig.Attempts the caller gets a
  *ContentionError. Context cancellation aborts immediately.

SEE ALSO:
  - engine.go: Uses KeyLocker around every store transaction
  - store/postgres: Row locks provide the same guarantee across processes
*/
package generic

import (
	"context"
	"sort"
	"sync"
	"time"
)

type LockConfig struct {
	Wait     time.Duration // per attempt
	Attempts int
	Backoff  time.Duration // first backoff; doubles per attempt
}

func DefaultLockConfig() LockConfig {
	return LockConfig{Wait: 250 * time.Millisecond, Attempts: 3, Backoff: 50 * time.Millisecond}
}

func (c LockConfig) normalized() LockConfig {
	d := DefaultLockConfig()
	if c.Wait <= 0 {
		c.Wait = d.Wait
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

// BackoffFor returns the sleep before attempt n (1-based, n >= 2).
func (c LockConfig) BackoffFor(n int) time.Duration {
	b := c.Backoff
	for i := 2; i < n; i++ {
		b *= 2
	}
	return b
}

// KeyLocker hands out exclusive locks per PositionKey.
type KeyLocker struct {
	cfg   LockConfig
	mu    sync.Mutex
	slots map[PositionKey]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyLocker(cfg LockConfig) *KeyLocker {
	return &KeyLocker{cfg: cfg.normalized(), slots: make(map[PositionKey]*lockSlot)}
}

func (l *KeyLocker) Config() LockConfig { return l.cfg }

// SortKeys returns the unique keys in lock order.
func SortKeys(keys []PositionKey) []PositionKey {
	uniq := make(map[PositionKey]struct{}, len(keys))
	out := make([]PositionKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Acquire locks all keys in global order. The returned release func must be
// called exactly once.
func (l *KeyLocker) Acquire(ctx context.Context, keys ...PositionKey) (func(), error) {
	ordered := SortKeys(keys)
	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, l.cfg.BackoffFor(attempt)); err != nil {
				return nil, err
			}
		}
		held, err := l.tryAcquire(ctx, ordered)
		if err == nil {
			return func() { l.release(held) }, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &ContentionError{Keys: ordered, Attempts: l.cfg.Attempts}
}

func (l *KeyLocker) tryAcquire(ctx context.Context, keys []PositionKey) ([]PositionKey, error) {
	timer := time.NewTimer(l.cfg.Wait)
	defer timer.Stop()

	held := make([]PositionKey, 0, len(keys))
	for _, k := range keys {
		slot := l.ref(k)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, k)
		case <-timer.C:
			l.unref(k)
			l.release(held)
			return nil, ErrContention
		case <-ctx.Done():
			l.unref(k)
			l.release(held)
			return nil, ctx.Err()
		}
	}
	return held, nil
}

func (l *KeyLocker) release(keys []PositionKey) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		slot := l.slots[keys[i]]
		l.mu.Unlock()
		<-slot.ch
		l.unref(keys[i])
	}
}

func (l *KeyLocker) ref(k PositionKey) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *KeyLocker) unref(k PositionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
