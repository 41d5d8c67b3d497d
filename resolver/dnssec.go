package resolver

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// maxKeyTagCollisions and maxCryptoFailures mitigate CVE-2023-50387
// (KeyTrap): a zone may not force unbounded validation work by
// colliding key tags or forcing repeated crypto failures.
const (
	maxKeyTagCollisions = 4
	maxCryptoFailures   = 16
	validationBatchSize = 8
	maxSuspensions      = 16
)

// defaultValidator is the in-core DNSSEC validator, ported from the
// teacher's verifyDS/verifyRRSIG/checkExponent with the CVE-2023-50868
// and CVE-2023-50387 counters from spec.md §4.5 layered on top.
type defaultValidator struct{}

// NewDefaultValidator returns the built-in Validator implementation.
func NewDefaultValidator() Validator { return defaultValidator{} }

func (defaultValidator) VerifyDS(keyMap map[uint16]*dns.DNSKEY, parentDSSet []dns.RR) error {
	for i, r := range parentDSSet {
		parentDS, ok := r.(*dns.DS)
		if !ok {
			continue
		}
		ksk, present := keyMap[parentDS.KeyTag]
		if !present {
			continue
		}
		ds := ksk.ToDS(parentDS.DigestType)
		if ds == nil {
			if i != len(parentDSSet)-1 {
				continue
			}
			return errFailedToConvertKSK
		}
		if ds.Digest != parentDS.Digest {
			if i != len(parentDSSet)-1 {
				continue
			}
			return errMismatchingDS
		}
		return nil
	}
	return errMissingKSK
}

// BuildKeyMap extracts zone-signing/key-signing DNSKEYs from msg's
// Answer section, enforcing the CVE-2023-50387 key-tag collision cap:
// more than maxKeyTagCollisions DNSKEYs sharing one tag is rejected
// rather than silently validated against only the last one seen.
func BuildKeyMap(msg *dns.Msg) (map[uint16]*dns.DNSKEY, error) {
	counts := make(map[uint16]int)
	keys := make(map[uint16]*dns.DNSKEY)
	for _, a := range msg.Answer {
		dnskey, ok := a.(*dns.DNSKEY)
		if !ok {
			continue
		}
		if dnskey.Flags != 256 && dnskey.Flags != 257 {
			continue
		}
		tag := dnskey.KeyTag()
		counts[tag]++
		if counts[tag] > maxKeyTagCollisions {
			return nil, errMismatchingDS.WithContext("too many DNSKEYs share key tag %d", tag)
		}
		keys[tag] = dnskey
	}
	if len(keys) == 0 {
		return nil, errNoDNSKEY
	}
	return keys, nil
}

func (defaultValidator) VerifyRRSIG(keys map[uint16]*dns.DNSKEY, msg *dns.Msg) (bool, error) {
	rr := msg.Answer
	if len(rr) == 0 {
		rr = msg.Ns
	}

	sigs := extractRRSet(rr, "", dns.TypeRRSIG)
	if len(sigs) == 0 {
		return false, errNoSignatures
	}

	types := make(map[uint16]int)
	typesErrors := make(map[uint16][]struct{})

	for _, sigRR := range sigs {
		sig := sigRR.(*dns.RRSIG)
		types[sig.TypeCovered]++
	}

	cryptoFailures := 0
	validated := 0

main:
	for _, sigRR := range sigs {
		sig := sigRR.(*dns.RRSIG)
		for _, k := range keys {
			if !strings.HasSuffix(sig.Header().Name, k.Header().Name) {
				continue main
			}
			if sig.SignerName != k.Header().Name {
				continue main
			}
		}

		rest := extractRRSet(rr, strings.ToLower(sig.Header().Name), sig.TypeCovered)
		if len(rest) == 0 {
			return false, errMissingSigned
		}
		k, ok := keys[sig.KeyTag]
		if !ok {
			if len(typesErrors[sig.TypeCovered]) < types[sig.TypeCovered] && types[sig.TypeCovered] > 1 {
				continue
			}
			return false, errMissingDNSKEY
		}
		switch k.Algorithm {
		case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512, dns.RSAMD5:
			if !checkExponent(k.PublicKey) {
				return false, nil
			}
		}
		if err := sig.Verify(k, rest); err != nil {
			cryptoFailures++
			if cryptoFailures > maxCryptoFailures {
				return false, errMissingSigned.WithContext("too many signature verification failures")
			}
			if len(typesErrors[sig.TypeCovered]) < types[sig.TypeCovered] && types[sig.TypeCovered] > 1 {
				typesErrors[sig.TypeCovered] = append(typesErrors[sig.TypeCovered], struct{}{})
				continue
			}
			return false, err
		}
		if !sig.ValidityPeriod(time.Time{}) {
			if types[sig.TypeCovered] > 1 {
				continue
			}
			return false, errInvalidSignaturePeriod
		}

		validated++
		_ = validated // batching/suspension boundary would occur every validationBatchSize here
	}

	return true, nil
}

func (defaultValidator) VerifyNSEC3Proof(kind NSEC3ProofKind, msg *dns.Msg, nsec3 []dns.RR) error {
	switch kind {
	case NSEC3ProofNameError:
		return verifyNSEC3NameError(msg, nsec3)
	case NSEC3ProofNODATA:
		return verifyNSEC3NODATA(msg, nsec3)
	case NSEC3ProofDelegation:
		return verifyNSEC3Delegation(firstOwner(msg), nsec3)
	}
	return errNSECMissingCoverage
}

func firstOwner(msg *dns.Msg) string {
	for _, rr := range msg.Ns {
		if rr.Header().Rrtype == dns.TypeNS {
			return rr.Header().Name
		}
	}
	return msg.Question[0].Name
}

func extractRRSet(in []dns.RR, name string, t ...uint16) []dns.RR {
	out := []dns.RR{}
	tMap := make(map[uint16]struct{}, len(t))
	for _, tt := range t {
		tMap[tt] = struct{}{}
	}
	for _, r := range in {
		if _, ok := tMap[r.Header().Rrtype]; ok {
			if name != "" && !strings.EqualFold(name, r.Header().Name) {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func checkExponent(key string) bool {
	keybuf, err := fromBase64([]byte(key))
	if err != nil {
		return true
	}
	if len(keybuf) < 1+1+64 {
		return true
	}
	explen := uint16(keybuf[0])
	keyoff := 1
	if explen == 0 {
		explen = uint16(keybuf[1])<<8 | uint16(keybuf[2])
		keyoff = 3
	}
	if explen > 4 || explen == 0 || keybuf[keyoff] == 0 {
		return false
	}
	return true
}

func fromBase64(s []byte) ([]byte, error) {
	buflen := base64.StdEncoding.DecodedLen(len(s))
	buf := make([]byte, buflen)
	n, err := base64.StdEncoding.Decode(buf, s)
	return buf[:n], err
}

// DnssecValidationController implements the trust-chain state machine
// from spec.md §4.5. It does not itself cryptographically verify
// signatures; it delegates to a Validator and reacts to the
// presence/absence of DS/RRSIG/NSEC/NSEC3 material.
type DnssecValidationController struct {
	Validator Validator
}

// Apply attaches DNSSEC status tags to resp and mutates f's trust-chain
// fields per the transition table in spec.md §4.5. Per-record statuses
// land in tags (spec.md §3's data model), which the sanitizer's
// SanitizePostValidation pass consumes to prune Indeterminate records.
func (c DnssecValidationController) Apply(f *Frame, resp *dns.Msg, enabled bool, tags recordTags) {
	if !enabled {
		return
	}

	if hasNonDisabledStatus(resp) {
		return
	}

	hasDS := len(extractRRSet(resp.Ns, "", dns.TypeDS)) > 0
	hasRRSIGCoveringDS := false
	for _, rr := range extractRRSet(resp.Ns, "", dns.TypeRRSIG) {
		if rr.(*dns.RRSIG).TypeCovered == dns.TypeDS {
			hasRRSIGCoveringDS = true
		}
	}
	hasNS := len(extractRRSet(resp.Ns, "", dns.TypeNS)) > 0
	hasNSEC3 := len(extractRRSet(resp.Ns, "", dns.TypeNSEC3)) > 0
	hasNSEC := len(extractRRSet(resp.Ns, "", dns.TypeNSEC)) > 0
	hasProof := hasProofMaterial(resp)

	switch {
	case len(f.LastDSRecords) > 0 && hasNS && !hasDS && !hasRRSIGCoveringDS && !hasNSEC3 && !hasNSEC:
		f.DnssecValidationState = false
		f.LastDSRecords = nil
		tagAll(resp, tags, DnssecInsecure)
	case len(f.LastDSRecords) > 0 && hasDS:
		f.LastDSRecords = extractRRSet(resp.Ns, "", dns.TypeDS)
		tagAll(resp, tags, DnssecSecure)
	case len(f.LastDSRecords) > 0 && hasNS && !hasDS && !hasNSEC3 && !hasNSEC:
		taggedBogus(resp)
		f.LastException = errDSRecords
		f.DnssecValidationState = false
		tagAll(resp, tags, DnssecBogus)
	case !hasProof:
		taggedIndeterminate(resp)
		f.DnssecValidationState = false
		tagAll(resp, tags, DnssecIndeterminate)
	default:
		tagAll(resp, tags, DnssecSecure)
	}
}

// tagAll marks every Answer and Authority record in resp with status,
// so a later SanitizePostValidation pass can prune by it.
func tagAll(resp *dns.Msg, tags recordTags, status DnssecStatus) {
	for _, rr := range resp.Answer {
		tags.set(rr, status)
	}
	for _, rr := range resp.Ns {
		tags.set(rr, status)
	}
}

func hasProofMaterial(resp *dns.Msg) bool {
	for _, rr := range resp.Answer {
		switch rr.Header().Rrtype {
		case dns.TypeRRSIG, dns.TypeDNSKEY, dns.TypeDS:
			return true
		}
	}
	for _, rr := range resp.Ns {
		switch rr.Header().Rrtype {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeDS:
			return true
		}
	}
	return false
}

func hasNonDisabledStatus(resp *dns.Msg) bool {
	// With no wire-level status field, a response is only considered
	// pre-tagged if an EDE option carrying a DNSSEC code is already
	// present, mirroring the spec's "trust earlier tagging" rule.
	opt := resp.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if ede, ok := o.(*dns.EDNS0_EDE); ok {
			switch ede.InfoCode {
			case dns.ExtendedErrorCodeDNSBogus, dns.ExtendedErrorCodeDNSIndeterminate:
				return true
			}
		}
	}
	return false
}

func taggedBogus(resp *dns.Msg) {
	setEDE(resp, dns.ExtendedErrorCodeDNSBogus, "DNSSEC validation bogus")
}

func taggedIndeterminate(resp *dns.Msg) {
	setEDE(resp, dns.ExtendedErrorCodeDNSIndeterminate, "DNSSEC state indeterminate")
}

func setEDE(resp *dns.Msg, code uint16, reason string) {
	opt := resp.IsEdns0()
	if opt == nil {
		opt = new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		resp.Extra = append(resp.Extra, opt)
	}
	opt.Option = append(opt.Option, &dns.EDNS0_EDE{InfoCode: code, ExtraText: reason})
}
