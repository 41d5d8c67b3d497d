package cache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/coredive/resolver/resolver"
)

func Test_NSCache(t *testing.T) {
	fakeClock := newFakeClock()
	WallClock = fakeClock

	cache := NewNSCache()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(testDomain), dns.TypeA)
	key := Key(m.Question[0])

	servers := []resolver.NameServerAddress{{Host: "ns1.example.com.", Addr: "0.0.0.0:53"}}

	cache.Set(key, nil, 5, servers)

	got, err := cache.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, servers, got.Servers)

	ok := cache.Exists(key)
	assert.Equal(t, ok, true)

	fakeClock.Advance(4 * time.Second)
	_, err = cache.Get(key)
	assert.NoError(t, err)

	fakeClock.Advance(1 * time.Second)
	_, err = cache.Get(key)
	assert.Error(t, err)
	assert.Equal(t, err.Error(), "cache expired")

	_, err = cache.Get(key)
	assert.Error(t, err)

	cache = NewNSCache()
	cache.Set(key, nil, 5, nil)

	cache.Remove(key)
	assert.Equal(t, cache.Length(), 0)

	cache.Set(key, nil, 5, nil)

	fakeClock.Advance(10 * time.Second)
	cache.clear()
	assert.Equal(t, cache.Length(), 0)
}

func Test_NSCache_ClosestNameServers(t *testing.T) {
	fakeClock := newFakeClock()
	WallClock = fakeClock

	cache := NewNSCache()

	exampleKey := Key(dns.Question{Name: "example.com.", Qtype: dns.TypeNS, Qclass: dns.ClassINET})
	servers := []resolver.NameServerAddress{{Host: "ns1.example.com.", Addr: "198.51.100.1:53"}}
	cache.Set(exampleKey, nil, 300, servers)

	zone, ns, ok := cache.closestNameServers("www.example.com.")
	assert.True(t, ok)
	assert.Equal(t, "example.com.", zone)
	assert.Equal(t, servers, ns.Servers)

	_, _, ok = cache.closestNameServers("other.net.")
	assert.False(t, ok)
}
