// Package addr defines the transport address type shared across the STUN
// networking core: every Connector, transaction, and multiplexed socket
// identifies its endpoints with a TransportAddress rather than a bare
// net.Addr, because the transport kind (UDP vs TCP vs TLS) participates in
// equality and hashing the way it does not for a host-platform socket pair.
package addr

import (
	"fmt"
	"net"
)

// Transport identifies the underlying carrier of a TransportAddress.
type Transport uint8

const (
	UDP Transport = iota
	TCP
	TLS
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// TransportAddress is (IP, port, transport). Two addresses are equal iff all
// three components match; Transport is part of the key, unlike net.Addr
// equality which ignores it.
type TransportAddress struct {
	IP        net.IP
	Port      int
	Transport Transport
}

// New builds a TransportAddress, clamping a negative port (as produced by
// some platforms' getsockname on unconnected sockets) to 0.
func New(ip net.IP, port int, transport Transport) TransportAddress {
	if port < 0 {
		port = 0
	}
	return TransportAddress{IP: ip, Port: port, Transport: transport}
}

// FromUDPAddr converts a *net.UDPAddr into a UDP TransportAddress.
func FromUDPAddr(a *net.UDPAddr) TransportAddress {
	if a == nil {
		return TransportAddress{Transport: UDP}
	}
	return New(a.IP, a.Port, UDP)
}

// FromTCPAddr converts a *net.TCPAddr into a TCP TransportAddress.
func FromTCPAddr(a *net.TCPAddr) TransportAddress {
	if a == nil {
		return TransportAddress{Transport: TCP}
	}
	return New(a.IP, a.Port, TCP)
}

// Equal reports whether two addresses carry the same IP, port and transport.
func (a TransportAddress) Equal(b TransportAddress) bool {
	return a.Port == b.Port && a.Transport == b.Transport && a.IP.Equal(b.IP)
}

// Key returns a comparable, hashable string suitable for use as a map key
// (net.IP is a []byte and is not itself comparable/hashable).
func (a TransportAddress) Key() string {
	return fmt.Sprintf("%s|%d|%s", a.IP.String(), a.Port, a.Transport)
}

func (a TransportAddress) String() string {
	return fmt.Sprintf("%s:%d/%s", a.IP, a.Port, a.Transport)
}

// UDPAddr returns the net.UDPAddr view of a, for use with net.PacketConn.
func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// TCPAddr returns the net.TCPAddr view of a, for use with net.Dialer/Listener.
func (a TransportAddress) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}
