package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process mutex-guarded window log.
// The mutex gives the same prune/count/insert indivisibility as the Redis
// Lua script, but only within one process — it cannot coordinate quota
// across multiple gateway instances. Use it for single-instance deployments
// and tests; production multi-instance deployments use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-process window log store and starts a cleanup
// goroutine that drops counters idle for over an hour. Call Stop to
// terminate it.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// cleanup periodically removes counters whose newest entry is stale
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			s.mu.Lock()
			for key, entries := range s.windows {
				if len(entries) == 0 || entries[len(entries)-1].Before(cutoff) {
					delete(s.windows, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// prune drops entries older than the window. Caller must hold s.mu.
func (s *MemoryStore) prune(key string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	entries := s.windows[key]

	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.windows[key] = kept
	return kept
}

// CheckWindow implements Store.
func (s *MemoryStore) CheckWindow(ctx context.Context, key string, window time.Duration, limit int) (bool, int64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.prune(key, window, now)
	if len(entries) >= limit {
		return false, 0, nil
	}

	s.windows[key] = append(entries, now)
	return true, int64(limit - len(entries) - 1), nil
}

// CurrentUsage implements Store.
func (s *MemoryStore) CurrentUsage(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.prune(key, window, time.Now()))), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}
