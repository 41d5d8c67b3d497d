package resolver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"net"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// Resolver is the ResolverFrameProcessor + Stack Driver (spec.md §4.1):
// a loop that on each iteration queries the cache, primes root servers
// if needed, invokes the iterator+classifier pipeline, and interprets
// the resulting event.
type Resolver struct {
	Cache      Cache
	Dispatcher Dispatcher
	Validator  Validator
	RootHints  RootHintsProvider
	Metrics    *Metrics
	// Inflight coalesces concurrent Resolve calls for the same question.
	// Nil disables coalescing.
	Inflight InflightTracker

	contextStore *QueryContextStore
	cb           *circuitBreaker

	sanitizer  ResponseSanitizerPipeline
	classifier ResponseClassifier
	dnssecCtrl DnssecValidationController
	qnameCtrl  QNameMinimizationFallbackController
	glue       GlueResolutionCoordinator
}

// NewResolver wires the nine core components around the given
// external collaborators.
func NewResolver(cache Cache, dispatcher Dispatcher, validator Validator, rootHints RootHintsProvider) *Resolver {
	if validator == nil {
		validator = NewDefaultValidator()
	}
	return &Resolver{
		Cache:        cache,
		Dispatcher:   dispatcher,
		Validator:    validator,
		RootHints:    rootHints,
		contextStore: NewQueryContextStore(0),
		cb:           newCircuitBreaker(),
		dnssecCtrl:   DnssecValidationController{Validator: validator},
	}
}

// Resolve is the driver's public operation: walk the delegation
// hierarchy for q under opts, returning a final answer, negative
// response, or synthesized SERVFAIL.
func (r *Resolver) Resolve(ctx context.Context, q dns.Question, opts ResolveOptions) (*dns.Msg, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	qid := newQueryID()
	question := Question{Name: dns.CanonicalName(q.Name), Qtype: q.Qtype, Class: q.Qclass}
	qc := NewQueryContext(qid, question, opts.DnssecValidation, opts.MaxStackCount, opts.MaxTotalFrames)
	if err := r.contextStore.Insert(qc); err != nil {
		return nil, err
	}
	defer r.contextStore.Remove(qid)

	if r.Inflight != nil {
		ikey := hashQuestion(question.dnsQuestion(), opts.DnssecValidation)
		r.Inflight.Wait(ikey)
		if cacheRes := r.Cache.Query(question.dnsQuestion(), false, false); cacheRes.Found && !cacheRes.IsReferral {
			if r.Metrics != nil {
				r.Metrics.CacheHit(true)
			}
			return ApplyMinimalResponse(cacheRes.Response, opts.MinimalResponse), nil
		}
		r.Inflight.Add(ikey)
		defer r.Inflight.Done(ikey)
	}

	referralEngine := ReferralTransitionEngine{Cache: r.Cache, Dispatcher: r.Dispatcher, PreferIPv6: opts.PreferIPv6, AsyncNS: opts.AsyncNSResolution}
	synth := FailureOutcomeSynthesizer{Cache: r.Cache}

	for {
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		default:
		}

		f := qc.Head

		// 3. Cache stage.
		cacheRes := r.Cache.Query(f.Question.dnsQuestion(), false, true)
		if cacheRes.Found {
			if !cacheRes.IsReferral {
				if resp, done, rerr := r.handleResponse(ctx, qc, opts, referralEngine, cacheRes.Response); done {
					return resp, rerr
				}
				continue
			}
			seedReferral(f, cacheRes.Response)
			if r.Metrics != nil {
				r.Metrics.CacheHit(true)
			}
			continue
		}
		if r.Metrics != nil {
			r.Metrics.CacheHit(false)
		}

		// 4. Priming.
		if len(f.NameServers) == 0 {
			f.NameServers = r.RootHints.GetShuffled(opts.PreferIPv6)
			f.Question.ZoneCut = ""
			f.NameServerIndex = 0
		}

		// DS-prerequisite insertion.
		if len(f.LastDSRecords) > 0 {
			dsOwner := dns.CanonicalName(f.LastDSRecords[0].Header().Name)
			if !sameName(dsOwner, f.Question.ZoneCut) {
				err := r.glue.PushDsFrame(qc, f.Question.ZoneCut, f.DnssecValidationState, f.LastDSRecords)
				if err != nil {
					f.LastException = err
					if resp, done, rerr := r.terminal(qc, opts, synth); done {
						return resp, rerr
					}
				}
				continue
			}
		}

		it := NewNameServerIterator(f)
		if !it.HasMore() {
			if f.LastException == nil {
				f.LastException = noReachableAuthAtZone(f.Question.ZoneCut)
			}
			if resp, done, rerr := r.terminal(qc, opts, synth); done {
				return resp, rerr
			}
			continue
		}

		sel := it.SelectNextBatch()

		if sel.Unresolved != nil {
			// The index stays on the unresolved entry: unwinding a
			// successful glue child resolves it in place, and unwinding a
			// failed one advances past it. An earlier entry for the same
			// host means this one is the deferred IPv4 fallback that
			// PushGlueFrame appended after an AAAA attempt.
			attemptedAAAA := false
			for _, prev := range f.NameServers[:it.Index()] {
				if strings.EqualFold(prev.Host, sel.Unresolved.Host) {
					attemptedAAAA = true
					break
				}
			}
			if err := r.glue.PushGlueFrame(qc, *sel.Unresolved, opts.PreferIPv6, attemptedAAAA); err != nil {
				f.LastException = err
				if resp, done, rerr := r.terminal(qc, opts, synth); done {
					return resp, rerr
				}
			}
			continue
		}

		req := r.buildRequest(f, opts)
		if r.Metrics != nil {
			r.Metrics.Query()
		}
		resp, err := queryBatch(ctx, r.Dispatcher, sel.Batch, req, opts, r.cb)
		it.MoveNext(sel)
		f.NameServerIndex = it.Index()
		if err != nil {
			f.LastException = err
			continue
		}

		if resp, done, rerr := r.handleResponse(ctx, qc, opts, referralEngine, resp); done {
			return resp, rerr
		}
	}
}

// handleResponse applies the sanitizer and DNSSEC controller to resp,
// then interprets the outcome: either as a child sub-resolution's
// unwind signal (when the stack is non-empty) or through the top-level
// classifier.
func (r *Resolver) handleResponse(ctx context.Context, qc *QueryContext, opts ResolveOptions, referralEngine ReferralTransitionEngine, resp *dns.Msg) (*dns.Msg, bool, error) {
	f := qc.Head
	sanitized := r.sanitizer.Sanitize(f, resp)

	tags := recordTags{}
	r.dnssecCtrl.Apply(f, sanitized, f.DnssecValidationState, tags)
	r.sanitizer.SanitizePostValidation(sanitized, tags)

	if qc.StackDepth() > 0 {
		r.unwindChild(qc, sanitized)
		return nil, false, nil
	}

	decision := r.classifier.Classify(sanitized, f.Question, false)
	switch decision.Tag {
	case ReturnAnswer:
		out := ApplyMinimalResponse(sanitized, opts.MinimalResponse)
		r.Cache.CacheResponse(out, false)
		if r.Metrics != nil {
			r.Metrics.Outcome(f.Question.Qtype, out.Rcode, f.DnssecValidationState)
		}
		return out, true, nil
	case DelegationTransition:
		outcome := referralEngine.Apply(ctx, qc, opts, sanitized)
		if outcome.Aborted {
			f.NameServerIndex++
		}
		return nil, false, nil
	case RetryWithQNameMinimization:
		r.qnameCtrl.Apply(f)
		return nil, false, nil
	default: // ContinueNextServer, UnwindStack (unreachable at top level)
		f.NameServerIndex++
		return nil, false, nil
	}
}

// unwindChild implements the child sub-resolution unwind semantics
// from spec.md §4.1/§4.8: pop the child frame and apply its result to
// the restored parent.
func (r *Resolver) unwindChild(qc *QueryContext, resp *dns.Msg) {
	ok := childSucceeded(qc.Head, resp)
	popped := qc.PopFrame()
	if popped == nil {
		return
	}

	if ok {
		applyUnwindSuccess(qc.Head, popped, resp)
		return
	}

	switch popped.GlueKind {
	case glueKindAddress:
		qc.Head.NameServerIndex++
	case glueKindDS:
		qc.Head.LastException = errDSRecords
		qc.Head.LastResponse = popped.LastResponse
	}
}

func childSucceeded(f *Frame, resp *dns.Msg) bool {
	switch f.GlueKind {
	case glueKindAddress:
		return hasAddrRecord(resp.Answer)
	case glueKindDS:
		return len(resp.Answer) > 0 && resp.Rcode == dns.RcodeSuccess
	}
	return len(resp.Answer) > 0 && resp.Rcode == dns.RcodeSuccess
}

func hasAddrRecord(rrs []dns.RR) bool {
	for _, rr := range rrs {
		switch rr.Header().Rrtype {
		case dns.TypeA, dns.TypeAAAA:
			return true
		}
	}
	return false
}

// applyUnwindSuccess writes a resolved glue endpoint, or the DS set
// from a DS child, onto the restored parent frame.
func applyUnwindSuccess(parent, child *Frame, resp *dns.Msg) {
	switch child.GlueKind {
	case glueKindAddress:
		addr := firstAddr(resp, child.Question.Qtype)
		if addr == "" {
			return
		}
		host := strings.ToLower(dns.CanonicalName(child.Question.Name))
		for i := range parent.NameServers {
			if strings.ToLower(parent.NameServers[i].Host) == host && !parent.NameServers[i].Resolved() {
				parent.NameServers[i].Addr = addr + ":53"
				return
			}
		}
	case glueKindDS:
		parent.LastDSRecords = extractRRSet(resp.Answer, "", dns.TypeDS)
	}
}

// terminal synthesizes a final outcome for the current Head. If the
// stack is non-empty, the Head is itself a child frame whose servers
// are exhausted; that is a child failure and is unwound like any
// other, rather than returned to the caller.
func (r *Resolver) terminal(qc *QueryContext, opts ResolveOptions, synth FailureOutcomeSynthesizer) (*dns.Msg, bool, error) {
	if qc.StackDepth() > 0 {
		popped := qc.PopFrame()
		if popped == nil {
			return nil, false, nil
		}
		switch popped.GlueKind {
		case glueKindAddress:
			qc.Head.NameServerIndex++
		case glueKindDS:
			qc.Head.LastException = errDSRecords
			qc.Head.LastResponse = popped.LastResponse
		}
		return nil, false, nil
	}

	qtype := qc.Head.Question.Qtype
	resp, err := synth.Synthesize(qc.Head.Question, qc.Head, opts.MinimalResponse)
	if r.Metrics != nil && resp != nil {
		r.Metrics.Outcome(qtype, resp.Rcode, false)
	}
	return resp, true, err
}

func seedReferral(f *Frame, resp *dns.Msg) {
	var owner string
	servers := []NameServerAddress{}
	for _, rr := range resp.Ns {
		if ns, ok := rr.(*dns.NS); ok {
			if owner == "" {
				owner = ns.Header().Name
			}
			servers = append(servers, NameServerAddress{Host: strings.ToLower(dns.CanonicalName(ns.Ns))})
		}
	}
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			name := strings.ToLower(dns.CanonicalName(a.Header().Name))
			for i := range servers {
				if servers[i].Host == name && !servers[i].Resolved() {
					servers[i].Addr = a.A.String() + ":53"
				}
			}
		case *dns.AAAA:
			name := strings.ToLower(dns.CanonicalName(a.Header().Name))
			for i := range servers {
				if servers[i].Host == name && !servers[i].Resolved() {
					servers[i].Addr = a.AAAA.String() + ":53"
				}
			}
		}
	}
	if owner != "" {
		f.Question.ZoneCut = dns.CanonicalName(owner)
	}
	if len(servers) > 0 {
		f.NameServers = servers
	}
	f.NameServerIndex = 0
	f.HopCount++
}

// buildRequest constructs the wire request for the current step,
// applying RFC 7816 QNAME minimization when enabled and the zone cut
// has not yet reached the full question name.
func (r *Resolver) buildRequest(f *Frame, opts ResolveOptions) *dns.Msg {
	q := f.Question
	qname := q.Name
	qtype := q.Qtype

	if opts.QNameMinimization && !sameName(q.Name, q.ZoneCut) {
		minimized := nextLabelTowards(q.Name, q.ZoneCut)
		if minimized != "" && !sameName(minimized, q.Name) {
			qname = minimized
			qtype = dns.TypeNS
			f.Question.MinimizedName = minimized
			f.Question.MinimizedType = dns.TypeNS
		} else {
			f.Question.MinimizedName = q.Name
			f.Question.MinimizedType = q.Qtype
		}
	} else {
		f.Question.MinimizedName = q.Name
		f.Question.MinimizedType = q.Qtype
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(qname), qtype)
	req.Question[0].Qclass = q.Class
	req.SetEdns0(opts.UDPPayloadSize, opts.DnssecValidation)
	req.RecursionDesired = true
	req.CheckingDisabled = !opts.DnssecValidation

	if opts.RandomizeName {
		req.Question[0].Name = randomizeCase(req.Question[0].Name)
	}
	if opts.EDNSClientSubnet != nil {
		attachECS(req, opts.EDNSClientSubnet)
	}
	return req
}

func nextLabelTowards(full, zoneCut string) string {
	full = dns.CanonicalName(full)
	if zoneCut == "" {
		labels := dns.SplitDomainName(full)
		if len(labels) == 0 {
			return full
		}
		return dns.Fqdn(labels[len(labels)-1])
	}
	zoneCut = dns.CanonicalName(zoneCut)
	if full == zoneCut {
		return full
	}
	fullLabels := dns.SplitDomainName(full)
	zoneLabels := dns.SplitDomainName(zoneCut)
	idx := len(fullLabels) - len(zoneLabels) - 1
	if idx < 0 {
		idx = 0
	}
	return dns.Fqdn(strings.Join(fullLabels[idx:], "."))
}

func randomizeCase(name string) string {
	b := []byte(name)
	for i, c := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(2))
		if err != nil {
			continue
		}
		if n.Int64() == 1 {
			if c >= 'a' && c <= 'z' {
				b[i] = c - 32
			}
		}
	}
	return string(b)
}

func attachECS(req *dns.Msg, subnet *net.IPNet) {
	opt := req.IsEdns0()
	if opt == nil || subnet == nil {
		return
	}
	ones, _ := subnet.Mask.Size()
	e := new(dns.EDNS0_SUBNET)
	e.Code = dns.EDNS0SUBNET
	e.SourceScope = 0
	e.SourceNetmask = uint8(ones)
	e.Address = subnet.IP
	if ip4 := subnet.IP.To4(); ip4 != nil {
		e.Family = 1
		e.Address = ip4
	} else {
		e.Family = 2
	}
	opt.Option = append(opt.Option, e)
}

// hashQuestion computes an inflight-coalescing key for q. The layout
// mirrors cache.Key's [qclass:2][qtype:2][dnssec:1][qname] buffer, but
// is reimplemented here rather than imported: the cache package already
// imports resolver, so resolver cannot import cache back.
func hashQuestion(q dns.Question, dnssecValidation bool) uint64 {
	buf := make([]byte, 5+len(q.Name))
	buf[0] = byte(q.Qclass >> 8)
	buf[1] = byte(q.Qclass)
	buf[2] = byte(q.Qtype >> 8)
	buf[3] = byte(q.Qtype)
	if dnssecValidation {
		buf[4] = 1
	}
	copy(buf[5:], strings.ToLower(q.Name))
	return xxhash.Sum64(buf)
}

func newQueryID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		zlog.Warn("query id generation fell back to weak source", "error", err.Error())
	}
	return hex.EncodeToString(buf[:])
}
