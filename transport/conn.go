package transport

// Adapted from github.com/miekg/dns's Client/Conn, as the teacher's
// middleware/resolver/client.go did, to avoid the overhead of the
// stock client's per-call allocations on the hot resolution path.

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const headerSize = 12

// Conn is a connection to a single nameserver, either UDP or TCP.
type Conn struct {
	net.Conn
	UDPSize uint16
}

// Exchange performs one synchronous query/response round trip.
func (co *Conn) Exchange(m *dns.Msg) (r *dns.Msg, rtt time.Duration, err error) {
	opt := m.IsEdns0()
	if opt != nil && opt.UDPSize() >= dns.MinMsgSize {
		co.UDPSize = opt.UDPSize()
	}
	if opt == nil && co.UDPSize < dns.MinMsgSize {
		co.UDPSize = dns.MinMsgSize
	}

	start := time.Now()

	if err = co.WriteMsg(m); err != nil {
		return nil, 0, err
	}

	r, err = co.ReadMsg()
	if err == nil && r.Id != m.Id {
		err = dns.ErrId
	}

	return r, time.Since(start), err
}

// ReadMsg reads one message from the connection.
func (co *Conn) ReadMsg() (*dns.Msg, error) {
	p, err := co.readMsgHeader()
	if err != nil {
		return nil, err
	}
	defer ReleaseBuf(p)

	m := new(dns.Msg)
	if err := m.Unpack(p); err != nil {
		return m, err
	}
	return m, nil
}

func (co *Conn) readMsgHeader() ([]byte, error) {
	var p []byte
	var n int
	var err error

	if _, ok := co.Conn.(net.PacketConn); ok {
		p = AcquireBuf(co.UDPSize)
		n, err = co.Read(p)
	} else {
		var length uint16
		if err := binary.Read(co.Conn, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		p = AcquireBuf(length)
		n, err = io.ReadFull(co.Conn, p)
	}

	if err != nil {
		return nil, err
	}
	if n < headerSize {
		return nil, dns.ErrShortRead
	}
	return p[:n], nil
}

// Read implements net.Conn, handling the TCP length prefix.
func (co *Conn) Read(p []byte) (int, error) {
	if co.Conn == nil {
		return 0, dns.ErrConnEmpty
	}
	if _, ok := co.Conn.(net.PacketConn); ok {
		return co.Conn.Read(p)
	}
	var length uint16
	if err := binary.Read(co.Conn, binary.BigEndian, &length); err != nil {
		return 0, err
	}
	if int(length) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return io.ReadFull(co.Conn, p[:length])
}

// WriteMsg writes m to the connection, prefixed with its length over TCP.
func (co *Conn) WriteMsg(m *dns.Msg) error {
	size := uint16(m.Len()) + 1
	out := AcquireBuf(size)
	defer ReleaseBuf(out)

	out, err := m.PackBuffer(out)
	if err != nil {
		return err
	}
	_, err = co.Write(out)
	return err
}

// Write implements net.Conn, adding the TCP length prefix.
func (co *Conn) Write(p []byte) (int, error) {
	if len(p) > dns.MaxMsgSize {
		return 0, errors.New("message too large")
	}
	if _, ok := co.Conn.(net.PacketConn); ok {
		return co.Conn.Write(p)
	}
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(p)))
	n, err := (&net.Buffers{l, p}).WriteTo(co.Conn)
	return int(n), err
}

var bufferPool sync.Pool

// AcquireBuf returns a buffer of at least size from the pool.
func AcquireBuf(size uint16) []byte {
	x := bufferPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := *(x.(*[]byte))
	if cap(buf) < int(size) {
		return make([]byte, size)
	}
	return buf[:size]
}

// ReleaseBuf returns buf to the pool.
func ReleaseBuf(buf []byte) {
	bufferPool.Put(&buf)
}
