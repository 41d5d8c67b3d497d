package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/time/rate"

	"github.com/coredive/resolver/resolver"
)

// Dispatcher is the concrete resolver.Dispatcher: UDP with TCP
// fallback on truncation, pooled TCP connections to
// frequently-reused infrastructure servers, and a per-server rate
// limiter so a single misbehaving authority cannot monopolize the
// resolver's outbound socket budget.
type Dispatcher struct {
	Pool *ConnPool

	// DoQUpstream, when set, routes every query to this single
	// DNS-over-QUIC forwarder instead of the server passed in
	// (stub/forwarding mode), grounded on the teacher's
	// server/doq/doq.go wire framing.
	DoQUpstream string
	doq         *doqClient

	limiters limiterSet
}

// NewDispatcher builds a Dispatcher backed by pool.
func NewDispatcher(pool *ConnPool) *Dispatcher {
	if pool == nil {
		pool = NewConnPool(0, 0, 0)
	}
	return &Dispatcher{Pool: pool, limiters: newLimiterSet()}
}

// UseDoQUpstream configures forwarder mode against a DNS-over-QUIC
// resolver at addr (host:port), skipping certificate verification iff
// insecure is true (for lab/testing upstreams).
func (d *Dispatcher) UseDoQUpstream(addr string, insecure bool) {
	d.DoQUpstream = addr
	d.doq = newDoQClient(addr, insecure)
}

// Query implements resolver.Dispatcher.
func (d *Dispatcher) Query(ctx context.Context, server resolver.NameServerAddress, req *dns.Msg, opts resolver.ResolveOptions) resolver.DispatchOutcome {
	if !d.limiters.wait(ctx, server.Addr) {
		return resolver.DispatchOutcome{Err: ctx.Err(), Kind: resolver.DispatchTimeout}
	}

	if d.DoQUpstream != "" && d.doq != nil {
		resp, err := d.doq.exchange(ctx, req, time.Duration(opts.TimeoutMS)*time.Millisecond)
		return classify(resp, err)
	}

	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := d.exchangeUDP(ctx, server.Addr, req, timeout, opts.UDPPayloadSize)
		if err == nil && resp.Truncated {
			resp, err = d.exchangeTCP(ctx, server.Addr, req, timeout)
		}
		if err == nil {
			return resolver.DispatchOutcome{Response: resp}
		}
		lastErr = err
	}
	return classify(nil, lastErr)
}

func (d *Dispatcher) exchangeUDP(ctx context.Context, addr string, req *dns.Msg, timeout time.Duration, udpSize uint16) (*dns.Msg, error) {
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	size := udpSize
	if size < dns.MinMsgSize {
		size = dns.MinMsgSize
	}
	co := &Conn{Conn: nc, UDPSize: size}
	resp, _, err := co.Exchange(req)
	return resp, err
}

func (d *Dispatcher) exchangeTCP(ctx context.Context, addr string, req *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	hopCount := 0
	if c := d.Pool.Get(addr, hopCount); c != nil {
		resp, _, err := c.Exchange(req)
		if err == nil {
			d.Pool.Put(c, addr, hopCount)
			return resp, nil
		}
		c.Close()
	}

	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		nc.Close()
		return nil, err
	}

	setEDNSKeepalive(req, 30*10)
	co := &Conn{Conn: nc}
	resp, _, err := co.Exchange(req)
	if err != nil {
		co.Close()
		return nil, err
	}
	d.Pool.Put(co, addr, hopCount)
	return resp, nil
}

func classify(resp *dns.Msg, err error) resolver.DispatchOutcome {
	if err == nil {
		return resolver.DispatchOutcome{Response: resp}
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return resolver.DispatchOutcome{Err: err, Kind: resolver.DispatchTimeout}
	case errors.Is(err, dns.ErrId), errors.Is(err, dns.ErrShortRead):
		return resolver.DispatchOutcome{Err: err, Kind: resolver.DispatchProtocolError}
	default:
		return resolver.DispatchOutcome{Err: err, Kind: resolver.DispatchNetworkError}
	}
}

// limiterSet hands out a token-bucket rate limiter per server address,
// grounded on golang.org/x/time/rate, declared in the teacher's go.mod
// but never imported anywhere in its tree.
type limiterSet struct {
	limiters sync.Map // addr -> *rate.Limiter
}

func newLimiterSet() limiterSet { return limiterSet{} }

func (s *limiterSet) get(addr string) *rate.Limiter {
	if l, ok := s.limiters.Load(addr); ok {
		return l.(*rate.Limiter)
	}
	l, _ := s.limiters.LoadOrStore(addr, rate.NewLimiter(rate.Limit(50), 100))
	return l.(*rate.Limiter)
}

func (s *limiterSet) wait(ctx context.Context, addr string) bool {
	l := s.get(addr)
	if err := l.Wait(ctx); err != nil {
		zlog.Debug("rate limiter wait aborted", "server", addr, "error", err.Error())
		return false
	}
	return true
}
