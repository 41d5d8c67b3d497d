package resolver

import (
	"context"
	"sync"

	"github.com/miekg/dns"
)

// fakeCache is a minimal in-memory double for Cache, grounded on
// mock/writer.go's pattern of a hand-rolled test double rather than a
// mocking framework (SPEC_FULL.md §10.4).
type fakeCache struct {
	mu      sync.Mutex
	records map[dns.Question]CacheLookupResult
	stored  []*dns.Msg
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[dns.Question]CacheLookupResult)}
}

func (c *fakeCache) Query(q dns.Question, checkingDisabled, findClosestNameServers bool) CacheLookupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[q]
}

func (c *fakeCache) CacheResponse(resp *dns.Msg, isDnssecBadCache bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, resp)
}

func (c *fakeCache) seed(q dns.Question, result CacheLookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[q] = result
}

// fakeDispatcher answers every Query from a per-server queue of
// canned DispatchOutcomes, grounded on the same double pattern.
type fakeDispatcher struct {
	mu        sync.Mutex
	responses map[string][]DispatchOutcome
	calls     []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{responses: make(map[string][]DispatchOutcome)}
}

func (d *fakeDispatcher) on(server string, outcome DispatchOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[server] = append(d.responses[server], outcome)
}

func (d *fakeDispatcher) Query(ctx context.Context, server NameServerAddress, req *dns.Msg, opts ResolveOptions) DispatchOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, server.String())

	queue := d.responses[server.String()]
	if len(queue) == 0 {
		return DispatchOutcome{Err: context.DeadlineExceeded, Kind: DispatchTimeout}
	}
	out := queue[0]
	d.responses[server.String()] = queue[1:]
	return out
}

// fakeValidator is a Validator double that returns the results set on
// its fields; its zero value reports RRSIGs as unverified, with no error.
type fakeValidator struct {
	rrsigOK     bool
	rrsigErr    error
	dsErr       error
	nsec3Err    error
}

func (v fakeValidator) VerifyRRSIG(keys map[uint16]*dns.DNSKEY, msg *dns.Msg) (bool, error) {
	return v.rrsigOK, v.rrsigErr
}

func (v fakeValidator) VerifyDS(keys map[uint16]*dns.DNSKEY, parentDS []dns.RR) error {
	return v.dsErr
}

func (v fakeValidator) VerifyNSEC3Proof(kind NSEC3ProofKind, msg *dns.Msg, nsec3 []dns.RR) error {
	return v.nsec3Err
}

// fakeRootHints is a fixed-list RootHintsProvider double.
type fakeRootHints struct {
	servers []NameServerAddress
	anchors []dns.RR
}

func (h fakeRootHints) GetShuffled(preferIPv6 bool) []NameServerAddress {
	return h.servers
}

func (h fakeRootHints) RootTrustAnchors() []dns.RR {
	return h.anchors
}

// fakeInflightTracker is a call-counting InflightTracker double. It
// does not actually block waiters; tests assert on call sequencing
// instead of real concurrency.
type fakeInflightTracker struct {
	mu     sync.Mutex
	waited []uint64
	added  []uint64
	done   []uint64
}

func (f *fakeInflightTracker) Wait(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, key)
}

func (f *fakeInflightTracker) Add(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, key)
}

func (f *fakeInflightTracker) Done(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, key)
}
