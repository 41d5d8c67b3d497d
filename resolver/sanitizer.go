package resolver

import (
	"strings"

	"github.com/miekg/dns"
)

// dnssecStatusKey is a record identity used to carry a DnssecStatus tag
// alongside a *dns.Msg without a wire-format extension: the sanitizer
// and validator key status by (owner, type, rdata string) since
// dns.RR itself has no spare field for it.
type dnssecStatusKey struct {
	owner  string
	rrtype uint16
	rdata  string
}

// recordTags carries out-of-band DnssecStatus annotations for the
// records of one response, produced by the validator and consumed by
// the sanitizer's post-validation trim (spec.md §4.4 last bullet).
type recordTags map[dnssecStatusKey]DnssecStatus

func tagKey(rr dns.RR) dnssecStatusKey {
	return dnssecStatusKey{owner: strings.ToLower(rr.Header().Name), rrtype: rr.Header().Rrtype, rdata: rr.String()}
}

func (t recordTags) set(rr dns.RR, status DnssecStatus) {
	if t == nil {
		return
	}
	t[tagKey(rr)] = status
}

func (t recordTags) get(rr dns.RR) DnssecStatus {
	if t == nil {
		return DnssecDisabled
	}
	if s, ok := t[tagKey(rr)]; ok {
		return s
	}
	return DnssecDisabled
}

// ResponseSanitizerPipeline normalizes a raw response before
// classification: OPT dedup, additional-section scoping, CNAME-chain
// trimming, and authority trimming.
type ResponseSanitizerPipeline struct{}

// Sanitize returns a (possibly new, copy-on-write) datagram and
// records it onto f as LastResponse.
func (ResponseSanitizerPipeline) Sanitize(f *Frame, resp *dns.Msg) *dns.Msg {
	out := resp.Copy()

	dedupeOPT(out)
	scopeAdditional(out, f.Question.ZoneCut)
	trimAnswerChain(out, f.Question.Name)
	trimAuthority(out, f.Question.ZoneCut)

	f.LastResponse = out
	return out
}

// SanitizePostValidation removes Indeterminate-tagged records after
// DNSSEC validation has run (spec.md §4.4 final bullet). Indeterminate
// NS records in the authority section are kept.
func (ResponseSanitizerPipeline) SanitizePostValidation(resp *dns.Msg, tags recordTags) {
	answer := resp.Answer[:0]
	for _, rr := range resp.Answer {
		if tags.get(rr) == DnssecIndeterminate {
			continue
		}
		answer = append(answer, rr)
	}
	resp.Answer = answer

	ns := resp.Ns[:0]
	for _, rr := range resp.Ns {
		if tags.get(rr) == DnssecIndeterminate && rr.Header().Rrtype != dns.TypeNS {
			continue
		}
		ns = append(ns, rr)
	}
	resp.Ns = ns
}

func dedupeOPT(resp *dns.Msg) {
	seen := false
	extra := resp.Extra[:0]
	for _, rr := range resp.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			if seen {
				continue
			}
			seen = true
		}
		extra = append(extra, rr)
	}
	resp.Extra = extra
}

func scopeAdditional(resp *dns.Msg, zoneCut string) {
	if zoneCut == "" {
		return
	}
	extra := resp.Extra[:0]
	for _, rr := range resp.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			extra = append(extra, rr)
			continue
		}
		if isSubdomainOrEqual(rr.Header().Name, zoneCut) {
			extra = append(extra, rr)
		}
	}
	resp.Extra = extra
}

func isSubdomainOrEqual(name, zone string) bool {
	name = dns.CanonicalName(name)
	zone = dns.CanonicalName(zone)
	return name == zone || dns.IsSubDomain(zone, name)
}

func trimAnswerChain(resp *dns.Msg, qname string) {
	if len(resp.Answer) == 0 {
		return
	}
	qname = dns.CanonicalName(qname)
	origQtype := resp.Question[0].Qtype

	var kept []dns.RR
	for _, rr := range resp.Answer {
		owner := dns.CanonicalName(rr.Header().Name)

		switch rr.Header().Rrtype {
		case dns.TypeRRSIG:
			sig := rr.(*dns.RRSIG)
			if dns.CanonicalName(dns.Fqdn(sig.Header().Name)) == qname || owner == qname {
				kept = append(kept, rr)
				continue
			}
		case dns.TypeDNAME:
			if dns.IsSubDomain(owner, qname) || owner == qname {
				kept = append(kept, rr)
				continue
			}
		}

		if owner != qname {
			// Truncate at first mismatch, preserving prior records.
			goto done
		}

		if cname, ok := rr.(*dns.CNAME); ok {
			kept = append(kept, rr)
			qname = dns.CanonicalName(cname.Target)
			continue
		}

		if rr.Header().Rrtype == origQtype || origQtype == dns.TypeANY {
			kept = append(kept, rr)
			continue
		}

		goto done
	}
done:
	resp.Answer = kept
}

func trimAuthority(resp *dns.Msg, zoneCut string) {
	if zoneCut == "" || len(resp.Ns) == 0 {
		return
	}
	var kept []dns.RR
	for _, rr := range resp.Ns {
		switch rr.Header().Rrtype {
		case dns.TypeSOA, dns.TypeNS:
			if !isSubdomainOrEqual(rr.Header().Name, zoneCut) {
				continue
			}
		case dns.TypeRRSIG:
			sig := rr.(*dns.RRSIG)
			if sig.TypeCovered == dns.TypeNS || sig.TypeCovered == dns.TypeSOA {
				if !isSubdomainOrEqual(rr.Header().Name, zoneCut) {
					continue
				}
			}
		}
		kept = append(kept, rr)
	}
	resp.Ns = kept
}
