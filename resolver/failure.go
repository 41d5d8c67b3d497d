package resolver

import "github.com/miekg/dns"

// FailureOutcomeSynthesizer produces a terminal response when no
// further transition is possible, per spec.md §4.11's decision table.
type FailureOutcomeSynthesizer struct {
	Cache Cache
}

// Synthesize builds the final outcome for question given the Head's
// transient LastResponse/LastException, and caches it as required.
// The returned error is non-nil only for DNSSEC validation failures
// and configuration errors, which are raised rather than returned as
// responses.
func (s FailureOutcomeSynthesizer) Synthesize(question Question, f *Frame, minimal bool) (*dns.Msg, error) {
	q := question.dnsQuestion()

	if f.LastResponse != nil && sameQuestion(f.LastResponse, q) {
		resp := ApplyMinimalResponse(f.LastResponse, minimal)
		if resp.Rcode != dns.RcodeSuccess {
			s.cache(resp, false)
		}
		return resp, nil
	}

	if ve, ok := f.LastException.(*ValidationError); ok && isDnssecFailure(ve) {
		resp := s.servfail(q)
		setEDE(resp, ve.EDECode(), ve.Message)
		s.cache(resp, true)

		if f.LastResponse != nil && !sameQuestion(f.LastResponse, q) {
			mirror := s.servfail(q)
			setEDE(mirror, ve.EDECode(), ve.Message)
			s.cache(mirror, false)
		}
		return nil, ve
	}

	resp := s.servfail(q)
	switch ve, ok := f.LastException.(*ValidationError); {
	case ok && ve == errNoReachableAuth:
		setEDE(resp, dns.ExtendedErrorCodeNoReachableAuthority, ve.Message)
	case ok:
		setEDE(resp, ve.EDECode(), ve.Message)
	default:
		setEDE(resp, dns.ExtendedErrorCodeNoReachableAuthority, "no response at "+question.ZoneCut)
	}
	s.cache(resp, false)
	return resp, nil
}

func (s FailureOutcomeSynthesizer) servfail(q dns.Question) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.Response = true
	m.Opcode = dns.OpcodeQuery
	m.Rcode = dns.RcodeServerFailure
	m.RecursionAvailable = true
	return m
}

func (s FailureOutcomeSynthesizer) cache(resp *dns.Msg, dnssecBad bool) {
	if s.Cache != nil {
		s.Cache.CacheResponse(resp, dnssecBad)
	}
}

func sameQuestion(resp *dns.Msg, q dns.Question) bool {
	if len(resp.Question) == 0 {
		return false
	}
	rq := resp.Question[0]
	return dns.CanonicalName(rq.Name) == dns.CanonicalName(q.Name) && rq.Qtype == q.Qtype && rq.Qclass == q.Qclass
}

func isDnssecFailure(ve *ValidationError) bool {
	switch ve.Code {
	case dns.ExtendedErrorCodeDNSBogus, dns.ExtendedErrorCodeDNSKEYMissing,
		dns.ExtendedErrorCodeRRSIGsMissing, dns.ExtendedErrorCodeSignatureExpired,
		dns.ExtendedErrorCodeNSECMissing:
		return true
	}
	return false
}
