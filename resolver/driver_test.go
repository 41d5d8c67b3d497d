package resolver

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootHintsWith(servers ...NameServerAddress) fakeRootHints {
	return fakeRootHints{servers: servers}
}

func TestResolver_Resolve_DirectAnswerFromRoot(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	answer := new(dns.Msg)
	answer.SetQuestion("example.com.", dns.TypeA)
	answer.Response = true
	answer.Rcode = dns.RcodeSuccess
	answer.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: netIP(t, "192.0.2.1")}}
	dispatcher.on("198.41.0.4:53", DispatchOutcome{Response: answer})

	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Len(t, cache.stored, 1, "a terminal answer is cached")
}

func TestResolver_Resolve_NameErrorIsReturnedAsFinal(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	nx := new(dns.Msg)
	nx.SetQuestion("nosuch.example.com.", dns.TypeA)
	nx.Response = true
	nx.Rcode = dns.RcodeNameError
	dispatcher.on("198.41.0.4:53", DispatchOutcome{Response: nx})

	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))

	q := dns.Question{Name: "nosuch.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
}

func TestResolver_Resolve_FollowsDelegationToFinalAnswer(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()

	referral := new(dns.Msg)
	referral.SetQuestion("www.example.com.", dns.TypeA)
	referral.Response = true
	referral.Ns = []dns.RR{&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."}}
	referral.Extra = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.53")}}
	dispatcher.on("198.41.0.4:53", DispatchOutcome{Response: referral})

	final := new(dns.Msg)
	final.SetQuestion("www.example.com.", dns.TypeA)
	final.Response = true
	final.Rcode = dns.RcodeSuccess
	final.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.200")}}
	dispatcher.on("192.0.2.53:53", DispatchOutcome{Response: final})

	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))

	q := dns.Question{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.200", resp.Answer[0].(*dns.A).A.String())
}

func TestResolver_Resolve_ContextCancelledReturnsErrCancelled(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	_, err := r.Resolve(ctx, q, DefaultResolveOptions())
	assert.Same(t, ErrCancelled, err)
}

func TestResolver_Resolve_NoReachableAuthorityServfails(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestResolver_Resolve_InvalidOptionsReturnsConfigurationError(t *testing.T) {
	r := NewResolver(newFakeCache(), newFakeDispatcher(), NewDefaultValidator(), rootHintsWith())
	opts := DefaultResolveOptions()
	opts.Concurrency = 0

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	_, err := r.Resolve(context.Background(), q, opts)
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestNextLabelTowards_NoZoneCutReturnsTLD(t *testing.T) {
	assert.Equal(t, "com.", nextLabelTowards("www.example.com.", ""))
}

func TestNextLabelTowards_AtZoneCutReturnsFull(t *testing.T) {
	assert.Equal(t, "example.com.", nextLabelTowards("example.com.", "example.com."))
}

func TestNextLabelTowards_StepsOneLabelDeeper(t *testing.T) {
	assert.Equal(t, "www.example.com.", nextLabelTowards("www.example.com.", "example.com."))
}

func TestSeedReferral_PopulatesServersAndZoneCut(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."}}
	resp.Extra = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.1")}}

	f := &Frame{}
	seedReferral(f, resp)
	assert.Equal(t, "example.com.", f.Question.ZoneCut)
	require.Len(t, f.NameServers, 1)
	assert.Equal(t, "192.0.2.1:53", f.NameServers[0].Addr)
	assert.Equal(t, 1, f.HopCount)
}

func TestChildSucceeded_AddressGlueRequiresAddrRecord(t *testing.T) {
	f := &Frame{GlueKind: glueKindAddress}
	withAddr := new(dns.Msg)
	withAddr.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}}}
	assert.True(t, childSucceeded(f, withAddr))
	assert.False(t, childSucceeded(f, new(dns.Msg)))
}

func TestApplyUnwindSuccess_WritesResolvedGlueAddr(t *testing.T) {
	parent := &Frame{NameServers: []NameServerAddress{{Host: "ns1.example.com."}}}
	child := &Frame{GlueKind: glueKindAddress, Question: Question{Name: "ns1.example.com.", Qtype: dns.TypeA}}
	resp := new(dns.Msg)
	resp.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.1")}}

	applyUnwindSuccess(parent, child, resp)
	assert.Equal(t, "192.0.2.1:53", parent.NameServers[0].Addr)
}

func TestAttachECS_SetsFamilyFromAddress(t *testing.T) {
	req := new(dns.Msg)
	req.SetEdns0(1232, false)
	_, subnet, err := net.ParseCIDR("203.0.113.0/24")
	require.NoError(t, err)

	attachECS(req, subnet)
	opt := req.IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 1)
	ecs, ok := opt.Option[0].(*dns.EDNS0_SUBNET)
	require.True(t, ok)
	assert.Equal(t, uint16(1), ecs.Family)
}

func TestResolver_Resolve_InflightTrackerWrapsDelegationWalk(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	answer := new(dns.Msg)
	answer.SetQuestion("example.com.", dns.TypeA)
	answer.Response = true
	answer.Rcode = dns.RcodeSuccess
	answer.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: netIP(t, "192.0.2.1")}}
	dispatcher.on("198.41.0.4:53", DispatchOutcome{Response: answer})

	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))
	tracker := &fakeInflightTracker{}
	r.Inflight = tracker

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	require.Len(t, tracker.waited, 1)
	require.Len(t, tracker.added, 1)
	require.Len(t, tracker.done, 1)
	assert.Equal(t, tracker.added[0], tracker.waited[0])
	assert.Equal(t, tracker.added[0], tracker.done[0])
}

func TestResolver_Resolve_InflightTracker_CacheFilledWhileWaitingSkipsDelegation(t *testing.T) {
	cache := newFakeCache()
	dispatcher := newFakeDispatcher()
	r := NewResolver(cache, dispatcher, NewDefaultValidator(), rootHintsWith(NameServerAddress{Host: "a.root-servers.net.", Addr: "198.41.0.4:53"}))
	tracker := &fakeInflightTracker{}
	r.Inflight = tracker

	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	answer := new(dns.Msg)
	answer.SetQuestion("example.com.", dns.TypeA)
	answer.Response = true
	answer.Rcode = dns.RcodeSuccess
	answer.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET}, A: netIP(t, "192.0.2.9")}}
	cache.seed(q, CacheLookupResult{Found: true, Response: answer})

	resp, err := r.Resolve(context.Background(), q, DefaultResolveOptions())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.9", resp.Answer[0].(*dns.A).A.String())

	assert.Len(t, tracker.waited, 1)
	assert.Empty(t, tracker.added, "a winning cache read should not join the inflight set")
	assert.Empty(t, tracker.done)
	assert.Empty(t, dispatcher.calls, "no delegation walk should occur once the cache is populated")
}

func TestHashQuestion_IsCaseInsensitiveAndStable(t *testing.T) {
	a := hashQuestion(dns.Question{Name: "Example.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, true)
	b := hashQuestion(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, true)
	assert.Equal(t, a, b)

	c := hashQuestion(dns.Question{Name: "example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}, true)
	assert.NotEqual(t, a, c)

	d := hashQuestion(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, false)
	assert.NotEqual(t, a, d)
}

func TestNewQueryID_ReturnsDistinctHexIDs(t *testing.T) {
	a := newQueryID()
	b := newQueryID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
