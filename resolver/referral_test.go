package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qcWithHead(f *Frame) *QueryContext {
	qc := NewQueryContext("test", Question{}, false, 0, 0)
	qc.Head = f
	return qc
}

func TestIsReservedAddr(t *testing.T) {
	assert.True(t, isReservedAddr("127.0.0.1:53"))
	assert.True(t, isReservedAddr("10.0.0.1:53"))
	assert.True(t, isReservedAddr("192.168.1.1:53"))
	assert.False(t, isReservedAddr("192.0.2.1:53"))
	assert.False(t, isReservedAddr("not-an-ip"))
}

func TestReferralTransitionEngine_CommitsGlueFromResponse(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."},
	}
	resp.Extra = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.1")},
	}

	f := &Frame{Question: Question{Name: "www.example.com."}}
	e := ReferralTransitionEngine{}
	out := e.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)

	require.False(t, out.Aborted)
	assert.Equal(t, "example.com.", f.Question.ZoneCut)
	require.Len(t, f.NameServers, 1)
	assert.Equal(t, "192.0.2.1:53", f.NameServers[0].Addr)
	assert.Equal(t, 1, f.HopCount)
	assert.Nil(t, f.LastResponse)
}

func TestReferralTransitionEngine_DropsReservedGlue(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."},
	}
	resp.Extra = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "127.0.0.1")},
	}

	f := &Frame{Question: Question{Name: "www.example.com."}}
	out := ReferralTransitionEngine{}.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)
	require.False(t, out.Aborted)
	require.Len(t, f.NameServers, 1)
	assert.False(t, f.NameServers[0].Resolved(), "reserved glue should be dropped, leaving an unresolved entry")
}

func TestReferralTransitionEngine_NoNSRecordsAborts(t *testing.T) {
	resp := new(dns.Msg)
	f := &Frame{Question: Question{Name: "www.example.com."}}
	out := ReferralTransitionEngine{}.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)
	assert.True(t, out.Aborted)
}

func TestReferralTransitionEngine_ResolvesGlueFromCache(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."},
	}

	cache := newFakeCache()
	cached := new(dns.Msg)
	cached.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.9")}}
	cache.seed(dns.Question{Name: "ns1.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		CacheLookupResult{Found: true, Response: cached})

	f := &Frame{Question: Question{Name: "www.example.com."}}
	out := ReferralTransitionEngine{Cache: cache}.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)
	require.False(t, out.Aborted)
	require.Len(t, f.NameServers, 1)
	assert.Equal(t, "192.0.2.9:53", f.NameServers[0].Addr)
}

func TestReferralTransitionEngine_UnsignedZoneClearsValidationState(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."},
		&dns.NSEC{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNSEC}, NextDomain: "a.example.com."},
	}

	f := &Frame{Question: Question{Name: "www.example.com."}, DnssecValidationState: true}
	out := ReferralTransitionEngine{}.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)
	require.False(t, out.Aborted)
	assert.False(t, f.DnssecValidationState)
}

func TestReferralTransitionEngine_AsyncNSPopulatesCacheInBackground(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."},
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns2.example.com."},
	}
	resp.Extra = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.1")},
	}

	dispatcher := newFakeDispatcher()
	glueAnswer := new(dns.Msg)
	glueAnswer.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns2.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.2")}}
	dispatcher.on("192.0.2.1:53", DispatchOutcome{Response: glueAnswer})

	cache := newFakeCache()
	f := &Frame{Question: Question{Name: "www.example.com."}}
	qc := qcWithHead(f)
	e := ReferralTransitionEngine{Cache: cache, Dispatcher: dispatcher, AsyncNS: true}

	out := e.Apply(context.Background(), qc, DefaultResolveOptions(), resp)
	require.False(t, out.Aborted)

	require.Eventually(t, func() bool {
		return len(cache.stored) == 1
	}, time.Second, time.Millisecond, "speculative lookup should cache ns2's resolved address")
	assert.Equal(t, glueAnswer, cache.stored[0])
}

func TestReferralTransitionEngine_AsyncNSOffDoesNotDispatch(t *testing.T) {
	resp := new(dns.Msg)
	resp.Ns = []dns.RR{&dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS}, Ns: "ns1.example.com."}}
	resp.Extra = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA}, A: netIP(t, "192.0.2.1")}}

	dispatcher := newFakeDispatcher()
	f := &Frame{Question: Question{Name: "www.example.com."}}
	e := ReferralTransitionEngine{Dispatcher: dispatcher, AsyncNS: false}

	out := e.Apply(context.Background(), qcWithHead(f), DefaultResolveOptions(), resp)
	require.False(t, out.Aborted)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, dispatcher.calls)
}

func TestIsIPv6(t *testing.T) {
	assert.True(t, isIPv6("[2001:db8::1]:53"))
	assert.False(t, isIPv6("192.0.2.1:53"))
}
