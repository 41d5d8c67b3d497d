package resolver

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRootHints_GetShuffledReturnsAllServers(t *testing.T) {
	h := &BuiltinRootHints{}
	servers := h.GetShuffled(false)
	assert.Len(t, servers, len(builtinRootServers))
	for _, s := range servers {
		assert.True(t, s.Resolved())
	}
}

func TestBuiltinRootHints_GetShuffledPreferIPv6KeepsOneIPv4Reachable(t *testing.T) {
	h := &BuiltinRootHints{}
	servers := h.GetShuffled(true)
	require.Len(t, servers, len(builtinRootServers))
	assert.False(t, isIPv6(servers[0].Addr), "an IPv4 fallback entry should be bubbled to the front")
}

func TestBuiltinRootHints_RootTrustAnchors(t *testing.T) {
	keys := []dns.RR{&dns.DNSKEY{Hdr: dns.RR_Header{Name: "."}, Flags: 257}}
	h := &BuiltinRootHints{RootKeys: keys}
	assert.Equal(t, keys, h.RootTrustAnchors())
}

func TestBuiltinRootHints_RefreshTrustAnchors_NewKeyPendsThenValidates(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "trust-anchor.db")

	ksk := &dns.DNSKEY{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY}, Flags: 257, Algorithm: dns.RSASHA256, PublicKey: "AQNRU3mG"}
	h := &BuiltinRootHints{StateFile: stateFile, RootKeys: []dns.RR{ksk}}

	fetched := new(dns.Msg)
	newKSK := &dns.DNSKEY{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY}, Flags: 257, Algorithm: dns.RSASHA256, PublicKey: "AwEAAbOther"}
	fetched.Answer = []dns.RR{ksk, newKSK}

	require.NoError(t, h.RefreshTrustAnchors(fetched))

	set, err := readTAFile(stateFile)
	require.NoError(t, err)
	pending, ok := set[newKSK.KeyTag()]
	require.True(t, ok)
	assert.Equal(t, taStateAddPending, pending.State)

	pending.FirstSeen = time.Now().Add(-addPendHoldDown - time.Hour)
	require.NoError(t, writeTAFile(stateFile, set))

	require.NoError(t, h.RefreshTrustAnchors(fetched))
	set2, err := readTAFile(stateFile)
	require.NoError(t, err)
	assert.Equal(t, taStateValid, set2[newKSK.KeyTag()].State)
}

func TestBuiltinRootHints_RefreshTrustAnchors_MissingKeyEventuallyRemoved(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "trust-anchor.db")

	ksk := &dns.DNSKEY{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeDNSKEY}, Flags: 257, Algorithm: dns.RSASHA256, PublicKey: "AQNRU3mG"}
	h := &BuiltinRootHints{StateFile: stateFile, RootKeys: []dns.RR{ksk}}

	require.NoError(t, h.RefreshTrustAnchors(&dns.Msg{Answer: []dns.RR{ksk}}))

	require.NoError(t, h.RefreshTrustAnchors(new(dns.Msg)))
	set, err := readTAFile(stateFile)
	require.NoError(t, err)
	require.Contains(t, set, ksk.KeyTag())
	assert.Equal(t, taStateMissing, set[ksk.KeyTag()].State)

	set[ksk.KeyTag()].FirstSeen = time.Now().Add(-removeHoldDown - time.Hour)
	require.NoError(t, writeTAFile(stateFile, set))

	require.NoError(t, h.RefreshTrustAnchors(new(dns.Msg)))
	set2, err := readTAFile(stateFile)
	require.NoError(t, err)
	assert.NotContains(t, set2, ksk.KeyTag())
}

func TestTaState_String(t *testing.T) {
	assert.Equal(t, "VALID", taStateValid.String())
	assert.Equal(t, "", taState(99).String())
}
