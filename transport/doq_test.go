package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: doqProtos}
}

func TestDoQClient_ExchangeRoundTrip(t *testing.T) {
	listener, err := quic.ListenAddr("127.0.0.1:0", selfSignedTLSConfig(t), &quic.Config{MaxIdleTimeout: 30 * time.Second})
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		buf, err := io.ReadAll(stream)
		if err != nil {
			return
		}
		reqLen := binary.BigEndian.Uint16(buf[:2])
		req := new(dns.Msg)
		if err := req.Unpack(buf[2 : 2+reqLen]); err != nil {
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("192.0.2.9")}}
		wire, err := resp.Pack()
		if err != nil {
			return
		}
		framed := make([]byte, 2+len(wire))
		binary.BigEndian.PutUint16(framed, uint16(len(wire)))
		copy(framed[2:], wire)
		_, _ = stream.Write(framed)
		stream.Close()
	}()

	client := newDoQClient(listener.Addr().String(), true)
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	resp, err := client.exchange(context.Background(), req, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, req.Id, resp.Id)
}

func TestNewDoQClient_ConfiguresInsecureSkipVerify(t *testing.T) {
	c := newDoQClient("203.0.113.1:853", true)
	assert.True(t, c.tlsConf.InsecureSkipVerify)
	assert.Equal(t, doqProtos, c.tlsConf.NextProtos)
}
