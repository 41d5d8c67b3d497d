package resolver

import (
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional prometheus instrumentation for a Resolver,
// grounded on the teacher's middleware/metrics package: one counter
// vector per observable dimension, registered once at construction.
type Metrics struct {
	outcomes *prometheus.CounterVec
	dnssec   *prometheus.CounterVec
	cache    *prometheus.CounterVec
	queries  prometheus.Counter
}

// NewMetrics builds and registers the resolver's counters against reg.
// Pass prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_outcomes_total",
			Help: "Resolution outcomes by query type, rcode and DNSSEC status",
		}, []string{"qtype", "rcode", "dnssec"}),
		dnssec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_dnssec_status_total",
			Help: "Terminal DNSSEC validation status per query",
		}, []string{"status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_cache_lookups_total",
			Help: "Cache lookups performed by the stack driver, by hit/miss",
		}, []string{"result"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_upstream_queries_total",
			Help: "Upstream nameserver batches dispatched",
		}),
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.dnssec, m.cache, m.queries} {
		if reg != nil {
			_ = reg.Register(c)
		} else {
			_ = prometheus.Register(c)
		}
	}
	return m
}

// Outcome records a terminal response's query type, rcode and DNSSEC
// status.
func (m *Metrics) Outcome(qtype uint16, rcode int, secure bool) {
	status := "insecure"
	if secure {
		status = "secure"
	}
	m.outcomes.WithLabelValues(dns.TypeToString[qtype], dns.RcodeToString[rcode], status).Inc()
	m.dnssec.WithLabelValues(status).Inc()
}

// CacheHit records whether a cache stage lookup was satisfied.
func (m *Metrics) CacheHit(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// Query records one upstream batch dispatch.
func (m *Metrics) Query() {
	m.queries.Inc()
}
