// Package netaccess is the network access layer: per-endpoint receive loops
// (Connectors) that read datagrams off TCP or UDP sockets, tag them with
// (local, remote) transport addresses, and hand them to the Manager's
// asynchronous processing pool.
package netaccess

import (
	"github.com/kanzi-net/stuncore/addr"
)

// RawMessage is the immutable record a Connector hands to the Manager:
// a defensively-copied buffer sized exactly to the bytes read, tagged with
// the (local, remote) pair the datagram was exchanged on.
type RawMessage struct {
	Bytes          []byte
	Remote         addr.TransportAddress
	Local          addr.TransportAddress
	InterfaceIndex int // 0 when unknown; diagnostic only, never required for routing
}
