package cache

import (
	"time"

	"github.com/miekg/dns"

	"github.com/coredive/resolver/util"
)

// entry is the wire-shaped cache record, grounded on the teacher's
// item.go plus the TTL-decrement pattern from the deleted
// cache/query_cache.go's Query type. Unlike the teacher's version it
// never mutates its stored records in place: SyncUInt64Map's buckets
// are lock-free, so an entry is built once at Add time and every Get
// recomputes the remaining TTL from StoredAt instead of decrementing
// and writing back under a per-entry mutex.
type entry struct {
	Rcode              int
	Authoritative      bool
	AuthenticatedData  bool
	RecursionAvailable bool
	Answer             []dns.RR
	Ns                 []dns.RR
	Extra              []dns.RR

	StoredAt time.Time
	CacheTTL time.Duration
	EDE      *dns.EDNS0_EDE
}

func newEntry(m *dns.Msg, ttl time.Duration) *entry {
	clean := util.ClearOPT(m.Copy())

	e := &entry{
		Rcode:              clean.Rcode,
		Authoritative:      clean.Authoritative,
		AuthenticatedData:  clean.AuthenticatedData,
		RecursionAvailable: clean.RecursionAvailable,
		Answer:             copyRRs(clean.Answer),
		Ns:                 copyRRs(clean.Ns),
		Extra:              copyRRs(clean.Extra),
		StoredAt:           WallClock.Now().Truncate(time.Second),
		CacheTTL:           ttl,
		EDE:                util.GetEDE(m),
	}
	return e
}

func copyRRs(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		out[i] = dns.Copy(rr)
	}
	return out
}

// expired reports whether the entry's declared cache TTL has elapsed.
func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.CacheTTL
}

// toMsg reconstructs a reply to req with every record's TTL
// decremented by the elapsed time since the entry was stored.
func (e *entry) toMsg(req *dns.Msg) *dns.Msg {
	elapsed := uint32(WallClock.Now().Truncate(time.Second).Sub(e.StoredAt).Seconds())

	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = false
	m.AuthenticatedData = e.AuthenticatedData
	m.RecursionAvailable = e.RecursionAvailable
	m.Rcode = e.Rcode
	m.Answer = decrementTTL(e.Answer, elapsed)
	m.Ns = decrementTTL(e.Ns, elapsed)
	m.Extra = decrementTTL(e.Extra, elapsed)

	if e.EDE != nil {
		if m.IsEdns0() == nil {
			m.SetEdns0(util.DefaultMsgSize, false)
		}
		opt := m.IsEdns0()
		opt.Option = append(opt.Option, &dns.EDNS0_EDE{InfoCode: e.EDE.InfoCode, ExtraText: e.EDE.ExtraText})
	}
	return m
}

func decrementTTL(rrs []dns.RR, elapsed uint32) []dns.RR {
	if len(rrs) == 0 {
		return nil
	}
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		c := dns.Copy(rr)
		hdr := c.Header()
		if hdr.Ttl > elapsed {
			hdr.Ttl -= elapsed
		} else {
			hdr.Ttl = 0
		}
		out[i] = c
	}
	return out
}
