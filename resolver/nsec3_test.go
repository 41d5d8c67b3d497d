package resolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypesSet(t *testing.T) {
	assert.True(t, typesSet([]uint16{dns.TypeA, dns.TypeNS}, dns.TypeNS))
	assert.False(t, typesSet([]uint16{dns.TypeA}, dns.TypeNS))
}

func TestFilterIterationSafe_DropsExcessiveIterations(t *testing.T) {
	safe := &dns.NSEC3{Hdr: dns.RR_Header{Rrtype: dns.TypeNSEC3}, Iterations: 10}
	unsafe := &dns.NSEC3{Hdr: dns.RR_Header{Rrtype: dns.TypeNSEC3}, Iterations: maxNSEC3Iterations + 1}

	out := filterIterationSafe([]dns.RR{safe, unsafe})
	require.Len(t, out, 1)
	assert.Same(t, safe, out[0])
}

func TestNsecCovers(t *testing.T) {
	assert.True(t, nsecCovers("a.example.com.", "m.example.com.", "b.example.com."))
	assert.False(t, nsecCovers("a.example.com.", "m.example.com.", "z.example.com."))
	assert.True(t, nsecCovers("z.example.com.", "a.example.com.", "zz.example.com."), "wraparound at the end of the zone")
	assert.False(t, nsecCovers("a.example.com.", "a.example.com.", "a.example.com."), "sole NSEC never covers itself")
}

func nsec3For(name string, iter uint16, salt string, types ...uint16) *dns.NSEC3 {
	hashed := dns.HashName(name, dns.SHA1, iter, salt)
	return &dns.NSEC3{
		Hdr:        dns.RR_Header{Name: hashed + ".example.com.", Rrtype: dns.TypeNSEC3},
		Hash:       dns.SHA1,
		Iterations: iter,
		Salt:       salt,
		NextDomain: hashed,
		TypeBitMap: types,
	}
}

func TestVerifyNSEC3NODATA_TypeNotInBitmapSucceeds(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeAAAA)

	nsec3 := nsec3For("www.example.com.", 1, "ab", dns.TypeA, dns.TypeRRSIG)
	err := verifyNSEC3NODATA(msg, []dns.RR{nsec3})
	assert.NoError(t, err)
}

func TestVerifyNSEC3NODATA_TypeInBitmapFails(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)

	nsec3 := nsec3For("www.example.com.", 1, "ab", dns.TypeA, dns.TypeRRSIG)
	err := verifyNSEC3NODATA(msg, []dns.RR{nsec3})
	assert.ErrorIs(t, err, errNSECTypeExists)
}

func TestVerifyNSEC3NODATA_NoMatchingRecordFails(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)

	nsec3 := nsec3For("other.example.com.", 1, "ab", dns.TypeA)
	err := verifyNSEC3NODATA(msg, []dns.RR{nsec3})
	assert.Error(t, err)
}

func TestFindMatching_ReturnsBitmapOnMatch(t *testing.T) {
	nsec3 := nsec3For("www.example.com.", 1, "ab", dns.TypeA)
	types, err := findMatching("www.example.com.", []dns.RR{nsec3})
	require.NoError(t, err)
	assert.Equal(t, []uint16{dns.TypeA}, types)
}

func TestFindMatching_NoMatchReturnsError(t *testing.T) {
	nsec3 := nsec3For("www.example.com.", 1, "ab", dns.TypeA)
	_, err := findMatching("other.example.com.", []dns.RR{nsec3})
	assert.ErrorIs(t, err, errNSECMissingCoverage)
}

func TestVerifyNSECNameError_CoveredByAdjacentRecords(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("b.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError

	nsec := &dns.NSEC{Hdr: dns.RR_Header{Name: "a.example.com.", Rrtype: dns.TypeNSEC}, NextDomain: "m.example.com."}
	err := verifyNSECNameError(msg, []dns.RR{nsec})
	assert.NoError(t, err)
}

func TestVerifyNSECNameError_NoCoverageFails(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("z.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError

	nsec := &dns.NSEC{Hdr: dns.RR_Header{Name: "a.example.com.", Rrtype: dns.TypeNSEC}, NextDomain: "m.example.com."}
	err := verifyNSECNameError(msg, []dns.RR{nsec})
	assert.ErrorIs(t, err, errNSECMissingCoverage)
}

func TestVerifyNSECNameError_EmptySetFails(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("b.example.com.", dns.TypeA)
	err := verifyNSECNameError(msg, nil)
	assert.ErrorIs(t, err, errNSECMissingCoverage)
}

func TestVerifyNSECNODATA_TypeExistsFails(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeA)

	nsec := &dns.NSEC{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeNSEC}, TypeBitMap: []uint16{dns.TypeA}}
	err := verifyNSECNODATA(msg, []dns.RR{nsec})
	assert.ErrorIs(t, err, errNSECTypeExists)
}

func TestVerifyNSECNODATA_TypeAbsentSucceeds(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("www.example.com.", dns.TypeAAAA)

	nsec := &dns.NSEC{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeNSEC}, TypeBitMap: []uint16{dns.TypeA}}
	err := verifyNSECNODATA(msg, []dns.RR{nsec})
	assert.NoError(t, err)
}
