package cache

// DNSCache is the concrete resolver.Cache collaborator: a generic
// TTL-aware record store (cache.go/uint64_sync_map.go), a
// closest-known-nameservers index (ns_cache.go), and a DNSSEC-bad
// negative cache (error_cache.go), grounded on the teacher's same
// three-file split.

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/coredive/resolver/resolver"
	"github.com/coredive/resolver/util"
)

// DNSCache wraps the generic key/value store with wire-shaped entries
// and answers resolver.Cache's contract.
type DNSCache struct {
	records *Cache
	ns      *NSCache
	bad     *ErrorCache
}

// NewDNSCache builds a DNSCache with size positive-cache entries and a
// DNSSEC-bad negative cache bounded to dnssecBadMax keys for
// dnssecBadTTL seconds (0 disables the bound).
func NewDNSCache(size, dnssecBadMax int, dnssecBadTTL uint32) *DNSCache {
	return &DNSCache{
		records: New(size),
		ns:      NewNSCache(),
		bad:     NewErrorCache(dnssecBadMax, dnssecBadTTL),
	}
}

// Query implements resolver.Cache.
func (d *DNSCache) Query(q dns.Question, checkingDisabled, findClosestNameServers bool) resolver.CacheLookupResult {
	now := WallClock.Now().Truncate(time.Second)

	if !checkingDisabled {
		if err := d.bad.Get(Key(q, false)); err == nil {
			return resolver.CacheLookupResult{Found: true, Response: badServfail(q)}
		}
	}

	key := Key(q, checkingDisabled)
	if v, ok := d.records.Get(key); ok {
		if e, ok := v.(*entry); ok {
			if !e.expired(now) {
				return resolver.CacheLookupResult{Found: true, Response: e.toMsg(questionMsg(q))}
			}
			d.records.Remove(key)
		}
	}

	if !findClosestNameServers {
		return resolver.CacheLookupResult{}
	}

	zoneCut, ns, ok := d.ns.closestNameServers(q.Name)
	if !ok {
		return resolver.CacheLookupResult{}
	}
	return resolver.CacheLookupResult{
		Found:      true,
		IsReferral: true,
		Response:   referralMsg(q, zoneCut, ns),
		DSRR:       ns.DSRR,
	}
}

// CacheResponse implements resolver.Cache.
func (d *DNSCache) CacheResponse(resp *dns.Msg, isDnssecBadCache bool) {
	if len(resp.Question) == 0 {
		return
	}
	q := resp.Question[0]

	if isDnssecBadCache {
		if err := d.bad.Set(Key(q, false)); err != nil {
			zlog.Debug("dnssec-bad cache entry dropped", "name", q.Name, "error", err.Error())
		}
		return
	}

	now := WallClock.Now().Truncate(time.Second)
	respType, _ := util.ClassifyResponse(resp, now)
	switch respType {
	case util.TypeNotCacheable, util.TypeMetaQuery, util.TypeDynamicUpdate:
		return
	}

	ttl := util.CalculateCacheTTL(resp, respType)
	key := Key(q, resp.CheckingDisabled)
	d.records.Add(key, newEntry(resp, ttl))

	if respType == util.TypeReferral {
		d.cacheReferral(resp, ttl)
	}
}

func (d *DNSCache) cacheReferral(resp *dns.Msg, ttl time.Duration) {
	var zoneCut string
	nsNames := map[string]bool{}
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if zoneCut == "" {
				zoneCut = dns.CanonicalName(ns.Header().Name)
			}
			nsNames[dns.CanonicalName(ns.Ns)] = true
		}
	}
	if zoneCut == "" {
		return
	}

	glue := map[string]string{}
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			name := dns.CanonicalName(a.Header().Name)
			if nsNames[name] {
				glue[name] = net.JoinHostPort(a.A.String(), "53")
			}
		case *dns.AAAA:
			name := dns.CanonicalName(a.Header().Name)
			if nsNames[name] {
				if _, exists := glue[name]; !exists {
					glue[name] = net.JoinHostPort(a.AAAA.String(), "53")
				}
			}
		}
	}

	servers := make([]resolver.NameServerAddress, 0, len(nsNames))
	for name := range nsNames {
		servers = append(servers, resolver.NameServerAddress{Host: name, Addr: glue[name]})
	}

	key := Key(dns.Question{Name: zoneCut, Qtype: dns.TypeNS, Qclass: dns.ClassINET})
	d.ns.Set(key, nil, uint32(ttl.Seconds()), servers)
}

func questionMsg(q dns.Question) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(q.Name, q.Qtype)
	m.Question[0].Qclass = q.Qclass
	return m
}

func badServfail(q dns.Question) *dns.Msg {
	m := questionMsg(q)
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeServerFailure
	return m
}

// referralMsg reconstructs the Authority/Additional shape driver.go's
// seedReferral and resolver.ReferralTransitionEngine.Apply expect from
// a cache-sourced referral: NS records owned by zoneCut plus any
// resolved glue.
func referralMsg(q dns.Question, zoneCut string, ns *NS) *dns.Msg {
	m := questionMsg(q)
	m.Response = true
	m.RecursionAvailable = true

	for _, srv := range ns.Servers {
		m.Ns = append(m.Ns, &dns.NS{
			Hdr: dns.RR_Header{Name: zoneCut, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ns.TTL},
			Ns:  srv.Host,
		})
		if srv.Addr == "" {
			continue
		}
		host, _, err := net.SplitHostPort(srv.Addr)
		if err != nil {
			host = srv.Addr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			m.Extra = append(m.Extra, &dns.A{
				Hdr: dns.RR_Header{Name: srv.Host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ns.TTL},
				A:   ip4,
			})
		} else {
			m.Extra = append(m.Extra, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: srv.Host, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ns.TTL},
				AAAA: ip,
			})
		}
	}
	return m
}
