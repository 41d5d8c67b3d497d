package resolver

import (
	"strings"

	"github.com/miekg/dns"
)

// maxNSEC3Iterations caps per-record NSEC3 iteration count, mitigating
// CVE-2023-50868 (NSEC3 iteration exhaustion).
const maxNSEC3Iterations = 100

func typesSet(set []uint16, types ...uint16) bool {
	tm := make(map[uint16]struct{}, len(types))
	for _, t := range types {
		tm[t] = struct{}{}
	}
	for _, t := range set {
		if _, ok := tm[t]; ok {
			return true
		}
	}
	return false
}

func filterIterationSafe(nsec3 []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(nsec3))
	for _, rr := range nsec3 {
		n, ok := rr.(*dns.NSEC3)
		if !ok {
			continue
		}
		if n.Iterations > maxNSEC3Iterations {
			continue
		}
		out = append(out, rr)
	}
	return out
}

func findClosestEncloser(name string, nsec []dns.RR) (string, string) {
	labelIndices := dns.Split(name)
	nc := name

	for i := 0; i < len(labelIndices); i++ {
		z := name[labelIndices[i]:]

		if _, err := findMatching(z, nsec); err != nil {
			continue
		}

		if i != 0 {
			nc = name[labelIndices[i-1]:]
		}
		return z, nc
	}
	return "", ""
}

func findMatching(name string, nsec []dns.RR) ([]uint16, error) {
	for _, rr := range nsec {
		n := rr.(*dns.NSEC3)
		if n.Match(name) {
			return n.TypeBitMap, nil
		}
	}
	return nil, errNSECMissingCoverage
}

func findCoverer(name string, nsec []dns.RR) ([]uint16, bool, error) {
	for _, rr := range nsec {
		n := rr.(*dns.NSEC3)
		if n.Cover(name) {
			return n.TypeBitMap, (n.Flags & 1) == 1, nil
		}
	}
	return nil, false, errNSECMissingCoverage
}

func getDnameTarget(msg *dns.Msg) string {
	q := msg.Question[0]
	for _, r := range msg.Answer {
		if dname, ok := r.(*dns.DNAME); ok {
			if n := dns.CompareDomainName(dname.Header().Name, q.Name); n > 0 {
				labels := dns.CountLabel(q.Name)
				if n == labels {
					return dname.Target
				}
				prev, _ := dns.PrevLabel(q.Name, n)
				return q.Name[:prev] + dname.Target
			}
			return ""
		}
	}
	return ""
}

func verifyNSEC3NameError(msg *dns.Msg, nsec []dns.RR) error {
	nsec = filterIterationSafe(nsec)

	q := msg.Question[0]
	qname := q.Name
	if dname := getDnameTarget(msg); dname != "" {
		qname = dname
	}

	ce, nc := findClosestEncloser(qname, nsec)
	if ce == "" {
		return errNSECMissingCoverage
	}

	_, _, ncErr := findCoverer(nc, nsec)
	_, _, wcErr := findCoverer("*."+ce, nsec)

	if ncErr == nil && wcErr == nil {
		return nil
	}
	if wcErr == nil {
		return nil
	}
	if ncErr != nil {
		return ncErr
	}
	return wcErr
}

func verifyNSEC3NODATA(msg *dns.Msg, nsec []dns.RR) error {
	nsec = filterIterationSafe(nsec)

	q := msg.Question[0]
	qname := q.Name
	if dname := getDnameTarget(msg); dname != "" {
		qname = dname
	}

	types, err := findMatching(qname, nsec)
	if err != nil {
		if q.Qtype != dns.TypeDS {
			return err
		}
		ce, nc := findClosestEncloser(qname, nsec)
		if ce == "" {
			return errNSECMissingCoverage
		}
		if _, _, err := findCoverer(nc, nsec); err != nil {
			return err
		}
		return nil
	}

	if typesSet(types, q.Qtype, dns.TypeCNAME) {
		return errNSECTypeExists
	}
	return nil
}

func verifyNSEC3Delegation(delegation string, nsec []dns.RR) error {
	nsec = filterIterationSafe(nsec)

	types, err := findMatching(delegation, nsec)
	if err != nil {
		ce, nc := findClosestEncloser(delegation, nsec)
		if ce == "" {
			return errNSECMissingCoverage
		}
		_, optOut, err := findCoverer(nc, nsec)
		if err != nil {
			return err
		}
		if !optOut {
			return errNSECOptOut
		}
		return nil
	}
	if !typesSet(types, dns.TypeNS) {
		return errNSECNSMissing
	}
	if typesSet(types, dns.TypeDS, dns.TypeSOA) {
		return errNSECBadDelegation
	}
	return nil
}

func nsecCovers(owner, next, name string) bool {
	// Compare in canonical DNS name order: labels from the root down,
	// so a zone apex sorts before every name below it.
	key := func(n string) string {
		labels := dns.SplitDomainName(dns.CanonicalName(n))
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
		return strings.Join(labels, "\x00")
	}
	owner, next, name = key(owner), key(next), key(name)

	if owner == next {
		return name != owner
	}
	if owner < next {
		return owner < name && name < next
	}
	return owner < name || name < next
}

func verifyNSECNameError(msg *dns.Msg, nsecSet []dns.RR) error {
	if len(nsecSet) == 0 {
		return errNSECMissingCoverage
	}
	q := msg.Question[0]
	qname := q.Name
	if dname := getDnameTarget(msg); dname != "" {
		qname = dname
	}

	labels := dns.SplitDomainName(qname)
	covered := false
	for i := 0; i < len(labels) && !covered; i++ {
		checkName := qname
		if i > 0 {
			checkName = dns.Fqdn(strings.Join(labels[i:], "."))
		}
		for _, rr := range nsecSet {
			nsec := rr.(*dns.NSEC)
			if nsecCovers(nsec.Header().Name, nsec.NextDomain, checkName) {
				covered = true
				break
			}
		}
	}
	if !covered {
		return errNSECMissingCoverage
	}
	return nil
}

func verifyNSECNODATA(msg *dns.Msg, nsecSet []dns.RR) error {
	if len(nsecSet) == 0 {
		return errNSECMissingCoverage
	}
	q := msg.Question[0]
	qname := q.Name
	if dname := getDnameTarget(msg); dname != "" {
		qname = dname
	}

	for _, rr := range nsecSet {
		nsec := rr.(*dns.NSEC)
		if dns.CanonicalName(nsec.Header().Name) == dns.CanonicalName(qname) {
			if typesSet(nsec.TypeBitMap, q.Qtype) {
				return errNSECTypeExists
			}
			if q.Qtype == dns.TypeDS {
				if !typesSet(nsec.TypeBitMap, dns.TypeNS) {
					return errNSECNSMissing
				}
				if typesSet(nsec.TypeBitMap, dns.TypeSOA) {
					return errNSECBadDelegation
				}
			}
			return nil
		}
	}
	return errNSECMissingCoverage
}
