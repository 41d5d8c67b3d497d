package transport

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	assert.Equal(t, 0, tierFor(0))
	assert.Equal(t, 0, tierFor(1))
	assert.Equal(t, 1, tierFor(2))
}

func TestConnPool_GetMissOnEmptyPool(t *testing.T) {
	p := NewConnPool(time.Second, time.Second, 10)
	defer p.Close()

	conn := p.Get("192.0.2.1:53", 0)
	assert.Nil(t, conn)
	hits, misses, active := p.Stats()
	assert.Zero(t, hits)
	assert.Equal(t, int64(1), misses)
	assert.Zero(t, active)
}

func TestConnPool_PutThenGetHits(t *testing.T) {
	p := NewConnPool(time.Minute, time.Minute, 10)
	defer p.Close()

	client, server := net.Pipe()
	defer server.Close()

	p.Put(&Conn{Conn: client}, "192.0.2.1:53", 0)
	_, _, active := p.Stats()
	assert.Equal(t, 1, active)

	got := p.Get("192.0.2.1:53", 0)
	require.NotNil(t, got)
	hits, _, active2 := p.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Zero(t, active2)
}

func TestConnPool_GetExpiresIdleConnection(t *testing.T) {
	p := NewConnPool(time.Millisecond, time.Millisecond, 10)
	defer p.Close()

	client, server := net.Pipe()
	defer server.Close()

	p.Put(&Conn{Conn: client}, "192.0.2.1:53", 0)
	time.Sleep(5 * time.Millisecond)

	got := p.Get("192.0.2.1:53", 0)
	assert.Nil(t, got)
	_, misses, active := p.Stats()
	assert.Equal(t, int64(1), misses)
	assert.Zero(t, active)
}

func TestConnPool_PutClosesWhenAtCapacity(t *testing.T) {
	p := NewConnPool(time.Minute, time.Minute, 1)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	c2, s2 := net.Pipe()
	defer s2.Close()
	defer c2.Close()

	p.Put(&Conn{Conn: c1}, "192.0.2.1:53", 0)
	p.Put(&Conn{Conn: c2}, "192.0.2.2:53", 0)

	_, _, active := p.Stats()
	assert.Equal(t, 1, active, "the second Put should be rejected once at capacity")
}

func TestConnPool_ShallowAndDeepTiersAreIndependent(t *testing.T) {
	p := NewConnPool(time.Minute, time.Minute, 10)
	defer p.Close()

	shallow, sServer := net.Pipe()
	defer sServer.Close()
	deep, dServer := net.Pipe()
	defer dServer.Close()

	p.Put(&Conn{Conn: shallow}, "192.0.2.1:53", 0)
	p.Put(&Conn{Conn: deep}, "192.0.2.1:53", 3)

	assert.NotNil(t, p.Get("192.0.2.1:53", 0))
	assert.NotNil(t, p.Get("192.0.2.1:53", 3))
}

func TestSetEDNSKeepalive_AddsOptionOnce(t *testing.T) {
	msg := new(dns.Msg)
	setEDNSKeepalive(msg, 30)
	setEDNSKeepalive(msg, 30)

	opt := msg.IsEdns0()
	require.NotNil(t, opt)
	count := 0
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_TCP_KEEPALIVE); ok {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
