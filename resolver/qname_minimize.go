package resolver

import "github.com/miekg/dns"

// QNameMinimizationFallbackController implements spec.md §4.10.
type QNameMinimizationFallbackController struct{}

// Apply mutates f per the classifier's RetryWithQNameMinimization
// decision.
func (QNameMinimizationFallbackController) Apply(f *Frame) {
	q := &f.Question

	if sameName(q.Name, q.MinimizedName) && q.MinimizedType != q.Qtype {
		// Minimized name caught up to the full name but we were still
		// probing with the stand-in type; clear the zone cut and retry
		// the same server with the real type.
		q.ZoneCut = ""
		f.NameServerIndex--
		return
	}

	// Promote the minimized name to the new zone cut and retry the
	// same server at the new depth.
	q.ZoneCut = dns.CanonicalName(q.MinimizedName)
	f.NameServerIndex--
}
