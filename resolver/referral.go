package resolver

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/yl2chen/cidranger"
)

// reservedRanger filters loopback and other non-routable ranges out of
// referral glue, grounded on spec.md §4.7 step 1's "drop loopback"
// requirement. github.com/yl2chen/cidranger was declared in the
// teacher's go.mod but never imported anywhere in its tree; this is
// where it is put to use.
var reservedRanger = newReservedRanger()

func newReservedRanger() cidranger.Ranger {
	r := cidranger.NewPCTrieRanger()
	for _, cidr := range []string{
		"127.0.0.0/8", "::1/128",
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "fe80::/10", "fc00::/7",
		"0.0.0.0/8",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		_ = r.Insert(cidranger.NewBasicRangerEntry(*network))
	}
	return r
}

func isReservedAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	contains, err := reservedRanger.Contains(ip)
	return err == nil && contains
}

// ReferralTransitionEngine commits delegation transitions, per
// spec.md §4.7.
type ReferralTransitionEngine struct {
	Cache      Cache
	Dispatcher Dispatcher
	PreferIPv6 bool
	AsyncNS    bool
}

// referralOutcome reports whether the transition could be committed.
type referralOutcome struct {
	Aborted bool
}

// Apply extracts the NS set from resp, resolves glue where cached,
// updates the DNSSEC trust chain via DS-lookup, and commits the new
// ZoneCut and NameServers onto qc.Head. When e.AsyncNS is set, it also
// registers speculative background glue lookups for the NS names that
// remain unresolved, per spec.md §4.7 step 5.
func (e ReferralTransitionEngine) Apply(ctx context.Context, qc *QueryContext, opts ResolveOptions, resp *dns.Msg) referralOutcome {
	f := qc.Head
	var firstNSOwner string
	nsNames := map[string]bool{}
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if firstNSOwner == "" {
				firstNSOwner = ns.Header().Name
			}
			nsNames[strings.ToLower(dns.CanonicalName(ns.Ns))] = true
		}
	}
	if len(nsNames) == 0 {
		return referralOutcome{Aborted: true}
	}

	glue := map[string]string{}
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			name := strings.ToLower(dns.CanonicalName(a.Header().Name))
			if nsNames[name] && !isReservedAddr(a.A.String()) {
				glue[name] = net.JoinHostPort(a.A.String(), "53")
			}
		case *dns.AAAA:
			name := strings.ToLower(dns.CanonicalName(a.Header().Name))
			if nsNames[name] && e.PreferIPv6 && !isReservedAddr(a.AAAA.String()) {
				glue[name] = net.JoinHostPort(a.AAAA.String(), "53")
			}
		}
	}

	servers := make([]NameServerAddress, 0, len(nsNames))
	for name := range nsNames {
		addr := glue[name]
		if addr == "" && e.Cache != nil {
			qtype := dns.TypeA
			if e.PreferIPv6 {
				qtype = dns.TypeAAAA
			}
			q := dns.Question{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}
			if res := e.Cache.Query(q, false, false); res.Found && !res.IsReferral {
				if ip := firstAddr(res.Response, qtype); ip != "" && !isReservedAddr(ip) {
					addr = net.JoinHostPort(ip, "53")
				}
			}
		}
		if addr != "" && isReservedAddr(addr) {
			continue
		}
		servers = append(servers, NameServerAddress{Host: name, Addr: addr})
	}
	if len(servers) == 0 {
		return referralOutcome{Aborted: true}
	}

	if f.DnssecValidationState {
		zoneCut := dns.CanonicalName(firstNSOwner)
		switch ds := dsLookup(e.Cache, resp, zoneCut); ds.Tag {
		case UnsignedZone:
			f.DnssecValidationState = false
			f.LastDSRecords = nil
		case HasRecords:
			f.LastDSRecords = ds.Records
		}
	}

	reorderServers(servers, e.PreferIPv6)

	f.Question.ZoneCut = dns.CanonicalName(firstNSOwner)
	f.NameServers = servers
	f.NameServerIndex = 0
	f.HopCount++
	f.LastResponse = nil

	if e.AsyncNS {
		e.spawnSpeculativeGlueLookups(qc, opts, servers)
	}

	return referralOutcome{}
}

// spawnSpeculativeGlueLookups fires at most four background A/AAAA
// lookups (spec.md §4.7 step 5) for servers that came back from this
// referral without glue, prefetching their addresses into the cache
// for the next time this zone's NS set is seen. Each lookup is
// detached from the caller's context and bounded by its own timeout,
// since it is best-effort and must not be torn down when the
// in-flight Resolve call it was spawned from completes.
func (e ReferralTransitionEngine) spawnSpeculativeGlueLookups(qc *QueryContext, opts ResolveOptions, servers []NameServerAddress) {
	if e.Dispatcher == nil {
		return
	}
	var resolved []NameServerAddress
	for _, s := range servers {
		if s.Resolved() {
			resolved = append(resolved, s)
		}
	}
	if len(resolved) == 0 {
		return
	}

	qtype := uint16(dns.TypeA)
	if e.PreferIPv6 {
		qtype = dns.TypeAAAA
	}

	for _, s := range servers {
		if s.Resolved() {
			continue
		}
		host := s.Host
		if !qc.TryRegisterAsyncNS(host) {
			continue
		}
		via := resolved[rand.Intn(len(resolved))]
		go e.lookupGlueAsync(host, qtype, via, opts, qc)
	}
}

func (e ReferralTransitionEngine) lookupGlueAsync(host string, qtype uint16, via NameServerAddress, opts ResolveOptions, qc *QueryContext) {
	defer qc.ReleaseAsyncNS(host)

	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), qtype)
	req.SetEdns0(opts.UDPPayloadSize, false)

	outcome := e.Dispatcher.Query(ctx, via, req, opts)
	if outcome.Err != nil || outcome.Response == nil || len(outcome.Response.Answer) == 0 {
		return
	}
	if e.Cache != nil {
		e.Cache.CacheResponse(outcome.Response, false)
	}
}

func firstAddr(resp *dns.Msg, qtype uint16) string {
	for _, rr := range resp.Answer {
		switch qtype {
		case dns.TypeA:
			if a, ok := rr.(*dns.A); ok {
				return a.A.String()
			}
		case dns.TypeAAAA:
			if a, ok := rr.(*dns.AAAA); ok {
				return a.AAAA.String()
			}
		}
	}
	return ""
}

// reorderServers shuffles then stable-sorts: resolved before
// unresolved; when preferIPv6, IPv6 before IPv4 among resolved.
func reorderServers(servers []NameServerAddress, preferIPv6 bool) {
	rand.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })

	sort.SliceStable(servers, func(i, j int) bool {
		ri, rj := servers[i].Resolved(), servers[j].Resolved()
		if ri != rj {
			return ri
		}
		if !ri {
			return false
		}
		if preferIPv6 {
			return isIPv6(servers[i].Addr) && !isIPv6(servers[j].Addr)
		}
		return false
	})
}

func isIPv6(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}
