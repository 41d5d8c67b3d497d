package cache

import (
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/coredive/resolver/resolver"
)

// NS represents a cached "closest known nameservers" entry for one
// zone cut, rewritten from the teacher's *AuthServers-backed entry to
// hold spec.md §3's value-typed resolver.NameServerAddress list
// instead of a standalone NS-cache subsystem (see DESIGN.md).
type NS struct {
	Servers    []resolver.NameServerAddress
	DSRR       []dns.RR
	TTL        uint32
	UpdateTime time.Time

	mu sync.Mutex
}

// NSCache type
type NSCache struct {
	mu sync.RWMutex

	m map[uint64]*NS
}

// NewNSCache return new cache
func NewNSCache() *NSCache {
	c := &NSCache{
		m: make(map[uint64]*NS),
	}

	go c.run()

	return c
}

// Get returns the entry for a key or an error
func (c *NSCache) Get(key uint64) (*NS, error) {
	c.mu.RLock()
	ns, ok := c.m[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrCacheNotFound
	}

	ns.mu.Lock()

	now := WallClock.Now().Truncate(time.Second)
	elapsed := uint32(now.Sub(ns.UpdateTime).Seconds())
	ns.UpdateTime = now

	if elapsed >= ns.TTL {
		ns.mu.Unlock()
		c.Remove(key)
		return nil, ErrCacheExpired
	}
	ns.TTL -= elapsed
	ns.mu.Unlock()

	return ns, nil
}

// Set sets a keys value to a NS
func (c *NSCache) Set(key uint64, dsRR []dns.RR, ttl uint32, servers []resolver.NameServerAddress) {
	c.mu.Lock()
	c.m[key] = &NS{
		Servers:    servers,
		DSRR:       dsRR,
		TTL:        ttl,
		UpdateTime: WallClock.Now().Truncate(time.Second),
	}
	c.mu.Unlock()
}

// Remove removes an entry from the cache
func (c *NSCache) Remove(key uint64) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Exists returns whether or not a key exists in the cache
func (c *NSCache) Exists(key uint64) bool {
	c.mu.RLock()
	_, ok := c.m[key]
	c.mu.RUnlock()
	return ok
}

// Length returns the caches length
func (c *NSCache) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *NSCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ns := range c.m {
		now := WallClock.Now().Truncate(time.Second)
		elapsed := uint32(now.Sub(ns.UpdateTime).Seconds())

		if elapsed >= ns.TTL {
			delete(c.m, key)
		}
	}
}

func (c *NSCache) run() {
	ticker := time.NewTicker(time.Hour)

	for range ticker.C {
		c.clear()
	}
}

// closestNameServers walks name's label hierarchy from most to least
// specific, returning the first cached NS set found. This is the
// "find closest known nameservers" behavior spec.md §6 requires of a
// Cache.Query miss when findClosestNameServers is set.
func (c *NSCache) closestNameServers(name string) (zoneCut string, ns *NS, ok bool) {
	labels := dns.SplitDomainName(name)
	for i := range labels {
		zone := dns.Fqdn(joinLabels(labels[i:]))
		key := Key(dns.Question{Name: zone, Qtype: dns.TypeNS, Qclass: dns.ClassINET})
		if entry, err := c.Get(key); err == nil {
			return zone, entry, true
		}
	}
	if entry, err := c.Get(Key(dns.Question{Name: ".", Qtype: dns.TypeNS, Qclass: dns.ClassINET})); err == nil {
		return ".", entry, true
	}
	return "", nil, false
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}
