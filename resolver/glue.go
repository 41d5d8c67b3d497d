package resolver

import "github.com/miekg/dns"

// GlueResolutionCoordinator pushes a child frame to resolve an
// unresolved nameserver's address, per spec.md §4.8.
type GlueResolutionCoordinator struct{}

// PushGlueFrame builds and pushes the child frame for server onto qc.
// attemptedAAAA indicates whether an AAAA attempt was already made for
// this server (so a second pass probes A instead).
func (GlueResolutionCoordinator) PushGlueFrame(qc *QueryContext, server NameServerAddress, preferIPv6, attemptedAAAA bool) error {
	parent := qc.Head

	qtype := uint16(dns.TypeA)
	if preferIPv6 && !attemptedAAAA {
		qtype = dns.TypeAAAA
		// Defer an IPv4 fallback entry onto the parent's own server
		// list so the next pass may query A if AAAA comes back empty.
		parent.NameServers = append(parent.NameServers, NameServerAddress{Host: server.Host})
	}

	child := &Frame{
		Question: Question{
			Name:    dns.Fqdn(server.Host),
			Qtype:   qtype,
			Class:   dns.ClassINET,
			ZoneCut: parent.Question.ZoneCut,
		},
		DnssecValidationState: parent.DnssecValidationState,
		LastDSRecords:         parent.LastDSRecords,
		HopCount:              parent.HopCount,
		NameServers:           []NameServerAddress{{Host: parent.Question.ZoneCut}},
		NameServerIndex:       0,
		GlueKind:              glueKindAddress,
	}

	return qc.PushFrame(child)
}

// PushDsFrame pushes a child frame that queries zoneCut's DS records,
// per the DS-prerequisite insertion rule in spec.md §4.1.
func (GlueResolutionCoordinator) PushDsFrame(qc *QueryContext, zoneCut string, dnssec bool, dsRecords []dns.RR) error {
	parent := qc.Head

	child := &Frame{
		Question: Question{
			Name:  dns.Fqdn(zoneCut),
			Qtype: dns.TypeDS,
			Class: dns.ClassINET,
		},
		DnssecValidationState: dnssec,
		LastDSRecords:         dsRecords,
		NameServers:           parent.NameServers,
		NameServerIndex:       parent.NameServerIndex,
		HopCount:              parent.HopCount,
		GlueKind:              glueKindDS,
	}

	return qc.PushFrame(child)
}
