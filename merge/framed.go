package merge

import (
	"net"

	"github.com/kanzi-net/stuncore/tcpframe"
)

// FramedTCP adapts an established TCP connection to the PacketSocket
// contract via RFC 4571 framing, so a TCP candidate pair can be composed
// into a MergingSocket next to UDP ones.
type FramedTCP struct {
	conn *tcpframe.Conn
}

// NewFramedTCP wraps c with RFC 4571 framing.
func NewFramedTCP(c net.Conn) *FramedTCP {
	return &FramedTCP{conn: tcpframe.New(c)}
}

// ReadFrom reads one frame into b; a frame longer than b is truncated to
// fit, matching datagram receive semantics.
func (f *FramedTCP) ReadFrom(b []byte) (int, net.Addr, error) {
	payload, err := f.conn.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	n := copy(b, payload)
	return n, f.conn.RemoteAddr(), nil
}

// WriteTo writes b as one frame; dst is ignored, the stream is connected.
func (f *FramedTCP) WriteTo(b []byte, _ net.Addr) (int, error) {
	if err := f.conn.WriteFrame(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (f *FramedTCP) Close() error        { return f.conn.Close() }
func (f *FramedTCP) LocalAddr() net.Addr { return f.conn.LocalAddr() }

// RemoteAddr returns the connected peer.
func (f *FramedTCP) RemoteAddr() net.Addr { return f.conn.RemoteAddr() }
