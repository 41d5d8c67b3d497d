// Package util provides DNS protocol utilities for SDNS.
package util

import "github.com/miekg/dns"

// DefaultMsgSize is the EDNS0 UDP payload size advertised when none is
// configured, ported from the teacher's dnsutil.DefaultMsgSize.
const DefaultMsgSize = 1232

// ClearOPT returns msg with any OPT pseudo-record removed from the
// Additional section, ported from dnsutil.ClearOPT. Used before a
// response is committed to the cache, since an entry stores its own
// EDE separately and has no use for the rest of the upstream's OPT.
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, 0, len(msg.Extra))
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		extra = append(extra, rr)
	}
	msg.Extra = extra
	return msg
}
