// Package tcpframe implements RFC 4571 framing: a 2-byte big-endian length
// prefix that carries datagram semantics over a byte-stream transport. It
// gives the Network Access Layer's TCP Connector the same "one Write call,
// one Read call, one datagram" contract UDP gives it for free.
package tcpframe

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

const (
	lengthPrefixLen = 2
	maxFrameLen     = 1<<16 - 1
)

// Conn wraps a net.Conn (plain TCP or TLS-over-TCP) with RFC 4571 framing.
type Conn struct {
	net.Conn
}

// New wraps c with RFC 4571 framing.
func New(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// WriteFrame prepends a 2-byte big-endian length and writes payload in one
// call: for a payload of length L (0 <= L < 65536), the bytes written equal
// [L>>8, L&0xff, payload...].
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameLen {
		return &xerrors.ValidationError{Field: "payload", Value: len(payload), Message: "exceeds RFC 4571 maximum frame length"}
	}
	buf := make([]byte, lengthPrefixLen+len(payload))
	binary.BigEndian.PutUint16(buf[:lengthPrefixLen], uint16(len(payload)))
	copy(buf[lengthPrefixLen:], payload)
	_, err := c.Conn.Write(buf)
	if err != nil {
		return &xerrors.NetworkError{Operation: "write frame", Err: err}
	}
	return nil
}

// ReadFrame reads one complete frame. If the 2-byte length prefix cannot be
// read at all (zero bytes before EOF/close), this is treated as a
// hole-punch connection rather than a protocol error and reported as a
// receive failure so the caller can drop the connection quietly. A partial
// read mid-frame (EOF after the length but before all payload bytes arrive)
// is a hard failure.
func (c *Conn) ReadFrame() ([]byte, error) {
	var lenBuf [lengthPrefixLen]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return nil, &xerrors.NetworkError{Operation: "read frame length", Err: err, Details: "hole-punch or closed connection"}
	}

	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.Conn, payload); err != nil {
			return nil, &xerrors.NetworkError{Operation: "read frame payload", Err: err, Details: "eof mid-frame"}
		}
	}
	return payload, nil
}
