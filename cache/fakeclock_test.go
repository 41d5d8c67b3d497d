package cache

import (
	"sync"
	"time"
)

// fakeClock is a minimal manually-advanced Clock for TTL tests,
// replacing the teacher's github.com/jonboulle/clockwork fake (see
// clock.go for why that dependency isn't carried forward).
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
