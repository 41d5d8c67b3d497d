// Package config loads and validates the resolver's TOML configuration,
// ported and trimmed from the teacher's server-wide config.go down to
// the knobs the resolver core and its collaborators actually consume.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/coredive/resolver/resolver"
)

const configVersion = "1.0.0"

// Config is the on-disk shape of the resolver's settings. Field names
// match spec.md §6's options record (prefer_ipv6, randomize_name, ...)
// plus the sizing/location knobs its concrete collaborators need
// (cache, transport connection pool, root trust anchors).
type Config struct {
	Version string `toml:"version"`

	PreferIPv6        bool   `toml:"prefer_ipv6"`
	RandomizeName     bool   `toml:"randomize_name"`
	QnameMinimization bool   `toml:"qname_minimization"`
	DnssecValidation  bool   `toml:"dnssec_validation"`
	UDPPayloadSize    uint16 `toml:"udp_payload_size"`
	EDNSClientSubnet  string `toml:"edns_client_subnet"`
	Retries           int    `toml:"retries"`
	TimeoutMS         int    `toml:"timeout_ms"`
	ConnectTimeoutMS  int    `toml:"connect_timeout_ms"`
	Concurrency       int    `toml:"concurrency"`
	MaxStackCount     int    `toml:"max_stack_count"`
	MaxTotalFrames    int    `toml:"max_total_frames"`
	MinimalResponse   bool   `toml:"minimal_response"`
	AsyncNSResolution bool   `toml:"async_ns_resolution"`

	CacheSize          int    `toml:"cache_size"`
	DnssecBadCacheSize int    `toml:"dnssec_bad_cache_size"`
	DnssecBadCacheTTL  uint32 `toml:"dnssec_bad_cache_ttl"`

	MaxPooledConnsPerHost int `toml:"max_pooled_conns_per_host"`

	RootKeys        []string `toml:"root_keys"`
	TrustAnchorFile string   `toml:"trust_anchor_file"`

	LogLevel string `toml:"log_level"`

	sVersion string
}

// ServerVersion returns the build version stamped onto cfg at Load time.
func (c *Config) ServerVersion() string {
	return c.sVersion
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Prefer IPv6 nameserver addresses when both families are available.
prefer_ipv6 = false

# Randomize query name case (0x20 encoding) as a cheap spoof-resistance
# measure.
randomize_name = true

# Qname minimization, see RFC 7816.
qname_minimization = true

# Validate DNSSEC signatures on signed zones.
dnssec_validation = true

# EDNS0 UDP payload size advertised upstream.
udp_payload_size = 1232

# EDNS Client Subnet to attach to upstream queries, left blank for disabled.
# edns_client_subnet = "203.0.113.0/24"
edns_client_subnet = ""

# Per-nameserver retry count before giving up on a batch member.
retries = 2

# Per-query timeout in milliseconds.
timeout_ms = 2000

# Idle timeout in milliseconds that resolvectl gives pooled upstream TCP
# connections. It does not bound dials, which use timeout_ms.
connect_timeout_ms = 1500

# Maximum nameservers queried in parallel per iteration step.
concurrency = 2

# Maximum recursion stack depth for a single resolution.
max_stack_count = 30

# Maximum total frames (including glue/DS sub-lookups) for a single resolution.
max_total_frames = 100

# Strip unnecessary records from the Authority/Additional sections of
# terminal responses.
minimal_response = true

# Resolve unresolved glue nameservers concurrently with the parent batch.
async_ns_resolution = true

# Cache size (total records in cache).
cache_size = 256000

# DNSSEC-bad negative cache size (capacity, in keys) and TTL in seconds.
dnssec_bad_cache_size = 65536
dnssec_bad_cache_ttl = 30

# Maximum pooled TCP connections kept open in total, across all upstream
# nameservers.
max_pooled_conns_per_host = 4

# Trusted anchors for DNSSEC, RFC 5011 rollover state is tracked
# starting from these.
root_keys = [
    ".			172800	IN	DNSKEY	257 3 8 AwEAAaz/tAm8yTn4Mfeh5eyI96WSVexTBAvkMgJzkKTOiW1vkIbzxeF3+/4RgWOq7HrxRixHlFlExOLAJr5emLvN7SWXgnLh4+B5xQlNVz8Og8kvArMtNROxVQuCaSnIDdD5LKyWbRd2n9WGe2R8PzgCmr3EgVLrjyBxWezF0jLHwVN8efS3rCj/EWgvIWgb9tarpVUDK/b58Da+sqqls3eNbuv7pr+eoZG+SrDK6nWeL3c6H5Apxz7LjVc1uTIdsIXxuOLYA4/ilBmSVIzuDWfdRUfhHdY6+cn8HFRm+2hM8AnXGXws9555KrUB5qihylGa8subX2Nn6UwNR1AkUTV74bU=",
	".			172800	IN	DNSKEY	257	3 8	AwEAAa96jeuknZlaeSrvyAJj6ZHv28hhOKkx3rLGXVaC6rXTsDc449/cidltpkyGwCJNnOAlFNKF2jBosZBU5eeHspaQWOmOElZsjICMQMC3aeHbGiShvZsx4wMYSjH8e7Vrhbu6irwCzVBApESjbUdpWWmEnhathWu1jo+siFUiRAAxm9qyJNg/wOZqqzL/dL/q8PkcRU5oUKEpUge71M3ej2/7CPqpdVwuMoTvoB+ZOT4YeGyxMvHmbrxlFzGOHOijtzN+u1TQNatX2XBuzZNQ1K+s2CXkPIZo7s6JgZyvaBevYtxPvYLw4z9mR7K2vaF18UYH9Z9GNUUeayffKC73PYc="
]

# File the RFC 5011 trust-anchor rollover state machine persists its
# gob-encoded key-tracking state to.
trust_anchor_file = "trust-anchor.db"

# Log verbosity level [crit, error, warn, info, debug]. Loaded into
# Config.LogLevel; resolvectl does not apply it to its logger.
log_level = "info"
`

// Load loads the given config file, generating a default one at cfgfile
// when it does not yet exist.
func Load(cfgfile, version string) (*Config, error) {
	cfg := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file...", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, cfg); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if cfg.Version != configVersion {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	cfg.sVersion = version

	if _, err := cfg.ParseECS(); err != nil {
		return nil, fmt.Errorf("invalid edns_client_subnet: %s", err)
	}

	if _, err := cfg.ParseRootKeys(); err != nil {
		return nil, fmt.Errorf("invalid root_keys: %s", err)
	}

	if err := cfg.ToResolveOptions().Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", err)
	}

	return cfg, nil
}

// ToResolveOptions maps the loaded config onto the per-query options
// record the resolver core consumes.
func (c *Config) ToResolveOptions() resolver.ResolveOptions {
	subnet, _ := c.ParseECS()

	return resolver.ResolveOptions{
		PreferIPv6:        c.PreferIPv6,
		RandomizeName:     c.RandomizeName,
		QNameMinimization: c.QnameMinimization,
		DnssecValidation:  c.DnssecValidation,
		UDPPayloadSize:    c.UDPPayloadSize,
		EDNSClientSubnet:  subnet,
		Retries:           c.Retries,
		TimeoutMS:         c.TimeoutMS,
		Concurrency:       c.Concurrency,
		MaxStackCount:     c.MaxStackCount,
		MaxTotalFrames:    c.MaxTotalFrames,
		MinimalResponse:   c.MinimalResponse,
		AsyncNSResolution: c.AsyncNSResolution,
	}
}

// ParseECS parses EDNSClientSubnet into a *net.IPNet, returning nil
// when it is unset.
func (c *Config) ParseECS() (*net.IPNet, error) {
	if strings.TrimSpace(c.EDNSClientSubnet) == "" {
		return nil, nil
	}
	_, subnet, err := net.ParseCIDR(c.EDNSClientSubnet)
	if err != nil {
		return nil, err
	}
	return subnet, nil
}

// ParseRootKeys parses RootKeys' zone-file DNSKEY lines into RRs, ready
// to seed resolver.BuiltinRootHints.
func (c *Config) ParseRootKeys() ([]dns.RR, error) {
	keys := make([]dns.RR, 0, len(c.RootKeys))
	for _, k := range c.RootKeys {
		rr, err := dns.NewRR(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, rr)
	}
	return keys, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		if err := output.Close(); err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configVersion))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
