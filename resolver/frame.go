package resolver

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
)

// MaxHopLimit bounds HopCount for a single recursion (spec: 64).
const MaxHopLimit = 64

// DefaultMaxStackDepth and DefaultMaxTotalFrames are the resource
// bounds enforced by the stack driver when a query's options do not
// override them.
const (
	DefaultMaxStackDepth  = 32
	DefaultMaxTotalFrames = 128
)

// Question is the owner name, type and class being resolved, plus the
// QNAME-minimization bookkeeping carried alongside it.
type Question struct {
	Name  string
	Qtype uint16
	Class uint16

	// MinimizedName is the stand-in ancestor name currently being
	// queried under RFC 7816 minimization; empty when minimization is
	// not in effect for this question.
	MinimizedName string
	// MinimizedType is the type used for the minimized query (NS,
	// unless the real type is being probed after fallback).
	MinimizedType uint16

	// ZoneCut is the owner of the current delegation boundary. Empty
	// string means root.
	ZoneCut string
}

func (q Question) dnsQuestion() dns.Question {
	return dns.Question{Name: dns.CanonicalName(q.Name), Qtype: q.Qtype, Qclass: q.Class}
}

func formatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// NameServerAddress is a candidate nameserver: a hostname plus an
// optional resolved endpoint. A server with no endpoint requires glue
// resolution before it can be queried.
type NameServerAddress struct {
	Host string // nameserver hostname, lower-case
	Addr string // "ip:port", empty when unresolved
}

// Resolved reports whether the server has a queryable endpoint.
func (n NameServerAddress) Resolved() bool { return n.Addr != "" }

func (n NameServerAddress) String() string {
	if n.Addr != "" {
		return n.Addr
	}
	return n.Host
}

// Frame is the per-recursion InternalState: the question currently in
// flight, the trust-chain state, the candidate nameservers, and the
// transient results of the last attempt.
type Frame struct {
	Question Question

	DnssecValidationState bool
	LastDSRecords         []dns.RR

	NameServers     []NameServerAddress
	NameServerIndex int

	HopCount int

	// Generation increases every time this Frame becomes Head via
	// PushFrame/PopFrame, so the driver can detect it is no longer
	// operating on a stale Head.
	Generation uint64

	// Transient: never copied by DeepClone.
	LastResponse  *dns.Msg
	LastException error

	// GlueKind distinguishes why this frame exists, for unwind
	// semantics (incrementing the parent's NameServerIndex on an A/AAAA
	// pop vs. propagating a validation failure on a DS pop).
	GlueKind glueKind
}

type glueKind int

const (
	glueKindNone glueKind = iota
	glueKindAddress
	glueKindDS
)

// newRootFrame builds the initial Head frame for a fresh query.
func newRootFrame(q Question, dnssec bool) *Frame {
	return &Frame{
		Question:              q,
		DnssecValidationState: dnssec,
	}
}

// Validate enforces the frame construction invariants from spec.md §3.
func (f *Frame) Validate() error {
	if f.HopCount > MaxHopLimit {
		return errMaxDepth
	}
	if f.NameServerIndex < 0 || f.NameServerIndex > len(f.NameServers) {
		f.NameServerIndex = clampIndex(f.NameServerIndex, len(f.NameServers))
	}
	// DNSSEC downgrade guard: a secure frame with a ZoneCut set, no
	// LastDSRecords, and a question name that differs from the zone
	// cut is internally inconsistent (construction fails).
	if f.DnssecValidationState && f.Question.ZoneCut != "" && len(f.LastDSRecords) == 0 {
		if !strings.EqualFold(dns.CanonicalName(f.Question.Name), dns.CanonicalName(f.Question.ZoneCut)) {
			return &ConfigurationError{Message: "invalid frame: DNSSEC active with zone cut set, no DS records, and mismatched question name"}
		}
	}
	return nil
}

func clampIndex(idx, length int) int {
	if idx < 0 {
		return 0
	}
	if idx > length {
		return length
	}
	return idx
}

// DeepClone copies Question, ZoneCut (via Question), DnssecValidationState,
// LastDSRecords, NameServers (by value), NameServerIndex and HopCount.
// It never copies LastResponse or LastException.
func (f *Frame) DeepClone() *Frame {
	clone := &Frame{
		Question:              f.Question,
		DnssecValidationState: f.DnssecValidationState,
		NameServerIndex:       f.NameServerIndex,
		HopCount:              f.HopCount,
		GlueKind:              f.GlueKind,
	}
	if len(f.LastDSRecords) > 0 {
		clone.LastDSRecords = make([]dns.RR, len(f.LastDSRecords))
		for i, rr := range f.LastDSRecords {
			clone.LastDSRecords[i] = dns.Copy(rr)
		}
	}
	if len(f.NameServers) > 0 {
		clone.NameServers = make([]NameServerAddress, len(f.NameServers))
		copy(clone.NameServers, f.NameServers)
	}
	return clone
}

// Stack is the suspended-frame stack owned exclusively by a QueryContext.
// Frames never reference one another; the stack is the only owner.
type Stack struct {
	frames []*Frame
}

func (s *Stack) push(f *Frame) { s.frames = append(s.frames, f) }

func (s *Stack) pop() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	last := len(s.frames) - 1
	f := s.frames[last]
	s.frames[last] = nil
	s.frames = s.frames[:last]
	return f
}

func (s *Stack) depth() int { return len(s.frames) }

// QueryContext is the per-query state: the Head frame, the suspended
// stack beneath it, and the resource-bound bookkeeping.
type QueryContext struct {
	ID string

	Head  *Frame
	stack Stack

	// HeadGeneration increases every time Head is replaced, so the
	// driver can detect it is no longer operating on a stale Head.
	HeadGeneration uint64

	TotalFramesCreated int

	MaxStackDepth  int
	MaxTotalFrames int

	// asyncNS tracks in-flight speculative glue lookups,
	// keyed by lower-case NS hostname; capped at 4 concurrent entries.
	asyncNS   map[string]struct{}
	asyncNSMu sync.Mutex
}

// NewQueryContext creates a context with a single root Head frame.
func NewQueryContext(id string, q Question, dnssec bool, maxStackDepth, maxTotalFrames int) *QueryContext {
	if maxStackDepth <= 0 {
		maxStackDepth = DefaultMaxStackDepth
	}
	if maxTotalFrames <= 0 {
		maxTotalFrames = DefaultMaxTotalFrames
	}
	return &QueryContext{
		ID:                 id,
		Head:               newRootFrame(q, dnssec),
		TotalFramesCreated: 1,
		MaxStackDepth:      maxStackDepth,
		MaxTotalFrames:     maxTotalFrames,
		asyncNS:            make(map[string]struct{}),
	}
}

// StackDepth returns the number of suspended frames beneath Head.
func (qc *QueryContext) StackDepth() int { return qc.stack.depth() }

// PushFrame suspends the current Head beneath the stack and installs
// child as the new Head.
func (qc *QueryContext) PushFrame(child *Frame) error {
	if qc.stack.depth() >= qc.MaxStackDepth {
		return stackLimitForQuestion(qc.Head.Question.dnsQuestion())
	}
	if qc.TotalFramesCreated >= qc.MaxTotalFrames {
		return stackLimitForQuestion(qc.Head.Question.dnsQuestion())
	}
	if child.GlueKind == glueKindNone {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	qc.stack.push(qc.Head)
	qc.Head = child
	qc.TotalFramesCreated++
	qc.HeadGeneration = atomic.AddUint64(&qc.HeadGeneration, 1)
	child.Generation = qc.HeadGeneration
	return nil
}

// PopFrame restores the stack top as Head, returning the popped frame
// (the child whose sub-resolution just completed). Returns nil if the
// stack is empty (Head is the only frame).
func (qc *QueryContext) PopFrame() *Frame {
	parent := qc.stack.pop()
	if parent == nil {
		return nil
	}
	popped := qc.Head
	qc.Head = parent
	qc.HeadGeneration = atomic.AddUint64(&qc.HeadGeneration, 1)
	qc.Head.Generation = qc.HeadGeneration
	return popped
}

// TryRegisterAsyncNS registers a speculative glue lookup for host,
// returning false if the 4-lookup cap has been reached or host is
// already registered.
func (qc *QueryContext) TryRegisterAsyncNS(host string) bool {
	host = strings.ToLower(host)
	qc.asyncNSMu.Lock()
	defer qc.asyncNSMu.Unlock()
	if _, ok := qc.asyncNS[host]; ok {
		return false
	}
	if len(qc.asyncNS) >= 4 {
		return false
	}
	qc.asyncNS[host] = struct{}{}
	return true
}

// ReleaseAsyncNS marks a speculative glue lookup as complete.
func (qc *QueryContext) ReleaseAsyncNS(host string) {
	host = strings.ToLower(host)
	qc.asyncNSMu.Lock()
	delete(qc.asyncNS, host)
	qc.asyncNSMu.Unlock()
}

// QueryContextStore holds one live QueryContext per active query id.
// Insertion requires uniqueness; contexts are removed only on terminal
// outcome, never silently evicted. This is the spec's strict variant
// (see DESIGN.md Open Questions).
type QueryContextStore struct {
	mu       sync.Mutex
	contexts map[string]*QueryContext
	capacity int
}

// NewQueryContextStore creates a store bounded at capacity live
// contexts (0 means unbounded).
func NewQueryContextStore(capacity int) *QueryContextStore {
	return &QueryContextStore{
		contexts: make(map[string]*QueryContext),
		capacity: capacity,
	}
}

var errDuplicateQueryID = fmt.Errorf("query id already active")
var errStoreAtCapacity = fmt.Errorf("query context store at capacity")

// Insert registers qc under its ID. Fails if the ID is already active
// or the store is at capacity.
func (s *QueryContextStore) Insert(qc *QueryContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[qc.ID]; exists {
		return errDuplicateQueryID
	}
	if s.capacity > 0 && len(s.contexts) >= s.capacity {
		return errStoreAtCapacity
	}
	s.contexts[qc.ID] = qc
	return nil
}

// Remove deletes the context for id, if any. Called exactly once, on
// terminal outcome.
func (s *QueryContextStore) Remove(id string) {
	s.mu.Lock()
	delete(s.contexts, id)
	s.mu.Unlock()
}

// Get returns the live context for id, if any.
func (s *QueryContextStore) Get(id string) (*QueryContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qc, ok := s.contexts[id]
	return qc, ok
}

// Len reports the number of currently live contexts.
func (s *QueryContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}
