package resolver

import "github.com/miekg/dns"

// ResolverDecisionTag is the classifier's verdict.
type ResolverDecisionTag int

const (
	ReturnAnswer ResolverDecisionTag = iota
	DelegationTransition
	UnwindStack
	RetryWithQNameMinimization
	ContinueNextServer
)

// ResolverDecision carries the classifier's verdict plus any response
// it should be applied to.
type ResolverDecision struct {
	Tag      ResolverDecisionTag
	Response *dns.Msg
}

// ResponseClassifier is a pure function from a sanitized+validated
// response and the stack depth to a ResolverDecision, per spec.md
// §4.6's first-match-wins rule table.
type ResponseClassifier struct{}

// Classify implements the rule table. stackNonEmpty indicates whether
// the QueryContext currently has suspended frames beneath Head (rule
// 2 only fires for child sub-resolutions).
func (ResponseClassifier) Classify(resp *dns.Msg, q Question, stackNonEmpty bool) ResolverDecision {
	if len(resp.Answer) > 0 || resp.Rcode == dns.RcodeNameError {
		return ResolverDecision{Tag: ReturnAnswer, Response: resp}
	}

	if stackNonEmpty && containsAddrOrDS(resp.Answer) {
		return ResolverDecision{Tag: UnwindStack, Response: resp}
	}

	if len(resp.Ns) > 0 && resp.Ns[0].Header().Rrtype == dns.TypeNS {
		return ResolverDecision{Tag: DelegationTransition, Response: resp}
	}

	if q.ZoneCut != "" && !sameName(q.Name, q.MinimizedName) {
		return ResolverDecision{Tag: RetryWithQNameMinimization, Response: resp}
	}

	return ResolverDecision{Tag: ContinueNextServer, Response: resp}
}

func containsAddrOrDS(rrs []dns.RR) bool {
	for _, rr := range rrs {
		switch rr.Header().Rrtype {
		case dns.TypeA, dns.TypeAAAA, dns.TypeDS:
			return true
		}
	}
	return false
}

func sameName(a, b string) bool {
	if b == "" {
		return true
	}
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// ApplyMinimalResponse strips Authority and Additional per spec.md
// §4.6's minimal_response knob, applied only to ReturnAnswer decisions.
func ApplyMinimalResponse(resp *dns.Msg, minimal bool) *dns.Msg {
	if !minimal {
		return resp
	}
	resp.Ns = nil
	resp.Extra = nil
	return resp
}
