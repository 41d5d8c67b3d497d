package resolver

import (
	"encoding/gob"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// builtinRootServers is the compiled-in IANA root server list (IPv4
// and IPv6), used when no root hints file is configured or the cache
// is empty, per spec.md §8's "Priming" boundary behavior.
var builtinRootServers = []struct {
	host, v4, v6 string
}{
	{"a.root-servers.net.", "198.41.0.4", "2001:503:ba3e::2:30"},
	{"b.root-servers.net.", "170.247.170.2", "2801:1b8:10::b"},
	{"c.root-servers.net.", "192.33.4.12", "2001:500:2::c"},
	{"d.root-servers.net.", "199.7.91.13", "2001:500:2d::d"},
	{"e.root-servers.net.", "192.203.230.10", "2001:500:a8::e"},
	{"f.root-servers.net.", "192.5.5.241", "2001:500:2f::f"},
	{"g.root-servers.net.", "192.112.36.4", "2001:500:12::d0d"},
	{"h.root-servers.net.", "198.97.190.53", "2001:500:1::53"},
	{"i.root-servers.net.", "192.36.148.17", "2001:7fe::53"},
	{"j.root-servers.net.", "192.58.128.30", "2001:503:c27::2:30"},
	{"k.root-servers.net.", "193.0.14.129", "2001:7fd::1"},
	{"l.root-servers.net.", "199.7.83.42", "2001:500:9f::42"},
	{"m.root-servers.net.", "202.12.27.33", "2001:dc3::35"},
}

// DNSKEYFlagKSK and DNSKEYFlagRevoke are the DNSKEY flag bits relevant
// to RFC 5011 trust-anchor rollover.
const (
	DNSKEYFlagKSK    = 0x0001
	DNSKEYFlagRevoke = 0x0080
)

type taState int

const (
	taStateStart taState = iota
	taStateAddPending
	taStateValid
	taStateMissing
	taStateRevoked
	taStateRemoved
)

func (s taState) String() string {
	switch s {
	case taStateStart:
		return "START"
	case taStateAddPending:
		return "PENDING"
	case taStateValid:
		return "VALID"
	case taStateMissing:
		return "MISSING"
	case taStateRevoked:
		return "REVOKED"
	case taStateRemoved:
		return "REMOVED"
	default:
		return ""
	}
}

// TrustAnchor is one RFC 5011 tracked key-signing key.
type TrustAnchor struct {
	DNSKey    *dns.DNSKEY
	State     taState
	FirstSeen time.Time
}

// TrustAnchorSet is the gob-encoded on-disk rollover state, keyed by
// key tag.
type TrustAnchorSet map[uint16]*TrustAnchor

const addPendHoldDown = 30 * 24 * time.Hour
const removeHoldDown = 90 * 24 * time.Hour

// BuiltinRootHints is the default RootHintsProvider: the compiled-in
// root server list plus RFC 5011 trust-anchor rollover tracking,
// ported from the teacher's auto_trust_anchor.go.
type BuiltinRootHints struct {
	StateFile string
	RootKeys  []dns.RR
}

// GetShuffled implements RootHintsProvider.
func (h *BuiltinRootHints) GetShuffled(preferIPv6 bool) []NameServerAddress {
	perm := rand.Perm(len(builtinRootServers))
	servers := make([]NameServerAddress, len(builtinRootServers))
	for i, p := range perm {
		rs := builtinRootServers[p]
		addr := rs.v4
		if preferIPv6 && rs.v6 != "" {
			addr = rs.v6
		}
		servers[i] = NameServerAddress{Host: rs.host, Addr: net.JoinHostPort(addr, "53")}
	}

	if preferIPv6 {
		// Bubble one IPv4 entry near the top so a v6-only network
		// failure doesn't strand priming entirely.
		for i, s := range servers {
			if i > 0 {
				for _, rs := range builtinRootServers {
					if rs.host == s.Host {
						servers[0], servers[i] = NameServerAddress{Host: rs.host, Addr: rs.v4 + ":53"}, servers[0]
						break
					}
				}
				break
			}
		}
	}
	return servers
}

// RootTrustAnchors implements RootHintsProvider.
func (h *BuiltinRootHints) RootTrustAnchors() []dns.RR {
	return h.RootKeys
}

// RefreshTrustAnchors implements the RFC 5011 rollover state machine:
// load the prior state, fetch the current root DNSKEY set, and apply
// the add/revoke/remove hold-down timers.
func (h *BuiltinRootHints) RefreshTrustAnchors(fetched *dns.Msg) error {
	filename := h.StateFile
	if filename == "" {
		filename = "trust-anchor.db"
	}

	current, err := readTAFile(filename)
	if err != nil {
		current = make(TrustAnchorSet)
		for _, rr := range h.RootKeys {
			if dnskey, ok := rr.(*dns.DNSKEY); ok && dnskey.Flags&DNSKEYFlagKSK != 0 {
				current[dnskey.KeyTag()] = &TrustAnchor{DNSKey: dnskey, State: taStateValid, FirstSeen: time.Now()}
			}
		}
	}

	fetchedKeys := make(TrustAnchorSet)
	for _, rr := range fetched.Answer {
		if dnskey, ok := rr.(*dns.DNSKEY); ok && dnskey.Flags&DNSKEYFlagKSK != 0 {
			fetchedKeys[dnskey.KeyTag()] = &TrustAnchor{DNSKey: dnskey, State: taStateStart}
		}
	}

	for tag, ta := range fetchedKeys {
		if current[tag] != nil {
			continue
		}
		if ta.DNSKey.Flags&DNSKEYFlagRevoke != 0 {
			oldTag := tag - DNSKEYFlagRevoke
			if old, ok := current[oldTag]; ok && old.State == taStateValid {
				zlog.Warn("trust anchor revoked", "keytag", tag)
				ta.State = taStateRevoked
				ta.FirstSeen = time.Now()
				current[tag] = ta
				delete(current, oldTag)
			}
			continue
		}
		zlog.Warn("new trust anchor found, pending hold-down", "keytag", tag, "hold_down", "30d")
		ta.State = taStateAddPending
		ta.FirstSeen = time.Now()
		current[tag] = ta
	}

	for tag, ta := range current {
		if fetchedKeys[tag] != nil {
			if ta.State == taStateAddPending && time.Since(ta.FirstSeen) > addPendHoldDown {
				zlog.Warn("trust anchor now valid", "keytag", tag)
				ta.State = taStateValid
			}
			continue
		}
		if ta.State == taStateRevoked {
			ta.State = taStateRemoved
			ta.FirstSeen = time.Now()
		} else if ta.State != taStateRemoved && ta.State != taStateMissing {
			zlog.Warn("trust anchor missing", "keytag", tag)
			ta.State = taStateMissing
			ta.FirstSeen = time.Now()
		}
		if (ta.State == taStateRemoved || ta.State == taStateMissing) && time.Since(ta.FirstSeen) > removeHoldDown {
			delete(current, tag)
		}
	}

	if err := writeTAFile(filename, current); err != nil {
		return err
	}

	var valid []dns.RR
	for _, ta := range current {
		if ta.State == taStateValid {
			valid = append(valid, ta.DNSKey)
		}
	}
	h.RootKeys = valid
	return nil
}

func readTAFile(filename string) (TrustAnchorSet, error) {
	f, err := os.Open(filepath.Clean(filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(TrustAnchorSet)
	if err := gob.NewDecoder(f).Decode(&set); err != nil {
		return nil, err
	}
	return set, nil
}

func writeTAFile(filename string, set TrustAnchorSet) error {
	f, err := os.Create(filepath.Clean(filename))
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(&set)
}
