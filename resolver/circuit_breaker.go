package resolver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/semihalev/zlog/v2"
)

// circuitBreaker tracks per-server failures and temporarily excludes
// repeatedly-failing servers from a batch, ported from the teacher's
// middleware/resolver/circuit_breaker.go.
type circuitBreaker struct {
	mu       sync.RWMutex
	failures map[string]*serverFailure
}

type serverFailure struct {
	count       atomic.Int32
	lastFailure atomic.Int64
	disabled    atomic.Bool
}

func newCircuitBreaker() *circuitBreaker {
	cb := &circuitBreaker{failures: make(map[string]*serverFailure)}
	go cb.cleanup()
	return cb
}

func (cb *circuitBreaker) canQuery(server string) bool {
	cb.mu.RLock()
	sf, exists := cb.failures[server]
	cb.mu.RUnlock()

	if !exists {
		return true
	}

	if sf.disabled.Load() {
		lastFailure := time.Unix(sf.lastFailure.Load(), 0)
		if time.Since(lastFailure) > 30*time.Second {
			sf.disabled.Store(false)
			sf.count.Store(0)
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) recordFailure(server string) {
	cb.mu.Lock()
	sf, exists := cb.failures[server]
	if !exists {
		sf = &serverFailure{}
		cb.failures[server] = sf
	}
	cb.mu.Unlock()

	count := sf.count.Add(1)
	sf.lastFailure.Store(time.Now().Unix())

	if count >= 5 && !sf.disabled.Load() {
		sf.disabled.Store(true)
		zlog.Warn("circuit breaker tripped for DNS server", "server", server, "failures", count)
	}
}

func (cb *circuitBreaker) recordSuccess(server string) {
	cb.mu.RLock()
	sf, exists := cb.failures[server]
	cb.mu.RUnlock()

	if exists {
		oldCount := sf.count.Swap(0)
		wasDisabled := sf.disabled.Swap(false)
		if wasDisabled && oldCount > 0 {
			zlog.Info("circuit breaker reset for DNS server", "server", server)
		}
	}
}

func (cb *circuitBreaker) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cb.mu.Lock()
		now := time.Now().Unix()
		for server, sf := range cb.failures {
			if sf.count.Load() == 0 && now-sf.lastFailure.Load() > 300 {
				delete(cb.failures, server)
			}
		}
		cb.mu.Unlock()
	}
}
