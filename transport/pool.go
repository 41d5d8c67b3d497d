package transport

// Connection pool for persistent TCP sessions to infrastructure
// servers, generalized from the teacher's
// middleware/resolver/tcp_pool.go two-tier (root/TLD) design: the
// distinction there was really "how close to the root is this server",
// which the stack driver's HopCount captures directly.

import (
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// ConnPool manages persistent connections to nameservers, keyed by
// HopCount tier: root/TLD-adjacent servers (hop <= 1) use
// shallowTimeout as their idle timeout, deep-zone authorities use
// deepTimeout.
type ConnPool struct {
	mu sync.RWMutex

	tiers [2]map[string]*pooledConn // [0]=shallow (hop<=1), [1]=deep

	shallowTimeout time.Duration
	deepTimeout    time.Duration
	maxConns       int

	hits, misses int64
	active       int
}

type pooledConn struct {
	*Conn
	server   string
	lastUsed time.Time
	idleTime time.Duration
}

// NewConnPool creates a pool with the given idle timeouts and capacity.
func NewConnPool(shallowTimeout, deepTimeout time.Duration, maxConns int) *ConnPool {
	if shallowTimeout == 0 {
		shallowTimeout = 5 * time.Second
	}
	if deepTimeout == 0 {
		deepTimeout = 10 * time.Second
	}
	if maxConns == 0 {
		maxConns = 100
	}

	p := &ConnPool{
		tiers:          [2]map[string]*pooledConn{make(map[string]*pooledConn), make(map[string]*pooledConn)},
		shallowTimeout: shallowTimeout,
		deepTimeout:    deepTimeout,
		maxConns:       maxConns,
	}
	go p.cleanupLoop()
	return p
}

func tierFor(hopCount int) int {
	if hopCount <= 1 {
		return 0
	}
	return 1
}

// Get retrieves a pooled connection for server at the given hop tier,
// or nil if none is available.
func (p *ConnPool) Get(server string, hopCount int) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	tier := p.tiers[tierFor(hopCount)]
	conn, exists := tier[server]
	if !exists || conn == nil {
		p.misses++
		return nil
	}

	if time.Since(conn.lastUsed) > conn.idleTime {
		conn.Close()
		delete(tier, server)
		p.active--
		p.misses++
		return nil
	}

	delete(tier, server)
	p.active--
	p.hits++
	return conn.Conn
}

// Put returns a connection to the pool for reuse.
func (p *ConnPool) Put(conn *Conn, server string, hopCount int) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active >= p.maxConns {
		conn.Close()
		return
	}

	tier := tierFor(hopCount)
	idle := p.deepTimeout
	if tier == 0 {
		idle = p.shallowTimeout
	}

	p.tiers[tier][server] = &pooledConn{Conn: conn, server: server, lastUsed: time.Now(), idleTime: idle}
	p.active++
}

func (p *ConnPool) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.cleanup()
	}
}

func (p *ConnPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, tier := range p.tiers {
		for server, conn := range tier {
			if now.Sub(conn.lastUsed) > conn.idleTime {
				conn.Close()
				delete(tier, server)
				p.active--
				zlog.Debug("closed idle pooled connection", "server", server)
			}
		}
	}
}

// Stats reports pool hit/miss/active counters.
func (p *ConnPool) Stats() (hits, misses int64, active int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hits, p.misses, p.active
}

// Close closes every pooled connection.
func (p *ConnPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tier := range p.tiers {
		for _, conn := range tier {
			conn.Close()
		}
	}
	p.tiers = [2]map[string]*pooledConn{make(map[string]*pooledConn), make(map[string]*pooledConn)}
	p.active = 0
}

// setEDNSKeepalive advertises TCP keepalive support on req.
func setEDNSKeepalive(msg *dns.Msg, timeout uint16) {
	if msg.IsEdns0() == nil {
		msg.SetEdns0(4096, false)
	}
	for _, opt := range msg.IsEdns0().Option {
		if _, ok := opt.(*dns.EDNS0_TCP_KEEPALIVE); ok {
			return
		}
	}
	msg.IsEdns0().Option = append(msg.IsEdns0().Option, &dns.EDNS0_TCP_KEEPALIVE{
		Code:    dns.EDNS0TCPKEEPALIVE,
		Timeout: timeout,
	})
}
