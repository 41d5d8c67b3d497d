package resolver

import "github.com/miekg/dns"

// DsLookupResultTag is the tri-state outcome of a DS-lookup decision.
type DsLookupResultTag int

const (
	NoDecision DsLookupResultTag = iota
	UnsignedZone
	HasRecords
)

// DsLookupResult carries the tri-state outcome plus any DS records
// found.
type DsLookupResult struct {
	Tag     DsLookupResultTag
	Records []dns.RR
}

// dsLookup implements spec.md §4.9: decide whether owner is signed,
// unsigned, or undetermined, consulting resp first and falling back to
// the cache.
func dsLookup(cache Cache, resp *dns.Msg, owner string) DsLookupResult {
	if ds := extractRRSet(resp.Ns, owner, dns.TypeDS); len(ds) > 0 {
		return DsLookupResult{Tag: HasRecords, Records: ds}
	}
	if nsec := extractRRSet(resp.Ns, owner, dns.TypeNSEC, dns.TypeNSEC3); len(nsec) > 0 {
		return DsLookupResult{Tag: UnsignedZone}
	}

	if cache == nil {
		return DsLookupResult{Tag: NoDecision}
	}

	q := dns.Question{Name: dns.Fqdn(owner), Qtype: dns.TypeDS, Qclass: dns.ClassINET}
	result := cache.Query(q, false, false)
	if !result.Found {
		return DsLookupResult{Tag: NoDecision}
	}

	if soa := extractRRSet(result.Response.Ns, "", dns.TypeSOA, dns.TypeNSEC, dns.TypeNSEC3); len(soa) > 0 {
		return DsLookupResult{Tag: UnsignedZone}
	}
	if ds := extractRRSet(result.Response.Answer, owner, dns.TypeDS); len(ds) > 0 {
		return DsLookupResult{Tag: HasRecords, Records: ds}
	}
	return DsLookupResult{Tag: NoDecision}
}
