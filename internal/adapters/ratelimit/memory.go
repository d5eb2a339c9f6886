package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneThreshold bounds how many idle limiters are kept before a sweep.
const pruneThreshold = 1024

// MemoryCooldown allows one attempt per key per cooldown window using a
// token bucket of size one per key.
type MemoryCooldown struct {
	mu       sync.Mutex
	cooldown time.Duration
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewMemoryCooldown creates an in-process cooldown store
func NewMemoryCooldown(cooldown time.Duration) *MemoryCooldown {
	return &MemoryCooldown{
		cooldown: cooldown,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (m *MemoryCooldown) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	lim, ok := m.limiters[key]
	if !ok {
		if len(m.limiters) >= pruneThreshold {
			m.prune(now)
		}
		lim = rate.NewLimiter(rate.Every(m.cooldown), 1)
		m.limiters[key] = lim
	}

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (m *MemoryCooldown) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, key)
	return nil
}

// prune drops limiters whose bucket has refilled; they carry no state.
func (m *MemoryCooldown) prune(now time.Time) {
	for key, lim := range m.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(m.limiters, key)
		}
	}
}
