package resolver

import (
	"context"

	"github.com/miekg/dns"
)

// DnssecStatus tags a record or response with its validation outcome.
type DnssecStatus int

const (
	DnssecDisabled DnssecStatus = iota
	DnssecIndeterminate
	DnssecInsecure
	DnssecSecure
	DnssecBogus
)

// NameServerSelection is what the iterator hands the dispatcher: either
// a batch of resolved servers to query in parallel, or a single
// unresolved server that needs glue resolution.
type NameServerSelection struct {
	Batch      []NameServerAddress
	Unresolved *NameServerAddress
}

// DispatchOutcome is the categorized result of a transport attempt.
type DispatchOutcome struct {
	Response *dns.Msg
	Err      error
	Kind     DispatchFailureKind
}

// DispatchFailureKind categorizes a Dispatcher failure so the core can
// pick the right EDE code without inspecting transport internals.
type DispatchFailureKind int

const (
	DispatchOK DispatchFailureKind = iota
	DispatchTimeout
	DispatchNetworkError
	DispatchProtocolError
	DispatchNoResponse
)

// Dispatcher sends a question to a chosen nameserver and returns the
// decoded response or a categorized failure. Retries and timeouts are
// the dispatcher's responsibility; the core only sees the final
// outcome.
type Dispatcher interface {
	Query(ctx context.Context, server NameServerAddress, req *dns.Msg, opts ResolveOptions) DispatchOutcome
}

// CacheLookupResult is what the Cache collaborator returns for a query.
type CacheLookupResult struct {
	// Found is true when the cache produced any kind of answer
	// (terminal or referral).
	Found bool
	// Response is the cached datagram, present whenever Found is true.
	Response *dns.Msg
	// IsReferral is true when Response's Authority section is a
	// closest-known-nameservers referral, rather than a terminal
	// answer/negative response.
	IsReferral bool
	DSRR       []dns.RR
}

// Cache is the external DNS record cache collaborator.
type Cache interface {
	// Query looks up q. When findClosestNameServers is set, a miss may
	// still return a referral to the closest known NS set instead of
	// Found=false.
	Query(q dns.Question, checkingDisabled, findClosestNameServers bool) CacheLookupResult
	// CacheResponse stores resp, optionally tagged as a DNSSEC-bad
	// negative cache entry.
	CacheResponse(resp *dns.Msg, isDnssecBadCache bool)
}

// Validator cryptographically verifies DNSSEC material; the
// DnssecValidationController turns its results into per-record
// DnssecStatus tags. It enforces the CVE-2023-50868 and
// CVE-2023-50387 mitigations from spec.md §4.5.
type Validator interface {
	// VerifyRRSIG validates RRSIG coverage in msg against keys and
	// reports whether it verified; it does not tag records.
	VerifyRRSIG(keys map[uint16]*dns.DNSKEY, msg *dns.Msg) (bool, error)
	// VerifyDS validates a DNSKEY set against a parent DS set.
	VerifyDS(keys map[uint16]*dns.DNSKEY, parentDS []dns.RR) error
	// VerifyNSEC3Proof validates an NSEC3 denial-of-existence proof for
	// the given kind (name error, nodata, delegation).
	VerifyNSEC3Proof(kind NSEC3ProofKind, msg *dns.Msg, nsec3 []dns.RR) error
}

// NSEC3ProofKind selects which RFC 5155 proof VerifyNSEC3Proof checks.
type NSEC3ProofKind int

const (
	NSEC3ProofNameError NSEC3ProofKind = iota
	NSEC3ProofNODATA
	NSEC3ProofDelegation
)

// RootHintsProvider supplies the built-in root server list and root
// trust anchors.
type RootHintsProvider interface {
	GetShuffled(preferIPv6 bool) []NameServerAddress
	RootTrustAnchors() []dns.RR
}

// InflightTracker deduplicates concurrent Resolve calls for the same
// question, so a stampede of simultaneous lookups for one name performs
// a single delegation walk instead of one per caller. The method set
// matches cache.LQueue exactly, so that type satisfies this interface
// without adaptation.
type InflightTracker interface {
	// Wait blocks until any resolution already in flight for key
	// completes. It returns immediately if none is in flight.
	Wait(key uint64)
	// Add marks key as in flight.
	Add(key uint64)
	// Done marks key's resolution complete, releasing any waiters.
	Done(key uint64)
}
