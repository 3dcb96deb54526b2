// Package stack is the STUN stack: it decodes incoming datagrams, validates
// request attributes (USERNAME, MESSAGE-INTEGRITY, comprehension-required
// checks), routes requests, responses and indications to registered
// listeners, and funnels outbound messages through the netaccess Manager.
package stack

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/credentials"
	"github.com/kanzi-net/stuncore/netaccess"
	"github.com/kanzi-net/stuncore/stunmsg"
	"github.com/kanzi-net/stuncore/transaction"
)

// Stack owns the Net Access Manager, the Transaction Engine, and the
// dispatch registries. Tables are independently synchronized; no lock is
// held while application listeners run.
type Stack struct {
	log       zerolog.Logger
	manager   *netaccess.Manager
	engine    *transaction.Engine
	authority credentials.Authority
	cfg       config

	listeners *registries
}

// New constructs a Stack. authority may be nil when the deployment never
// receives authenticated requests (every MESSAGE-INTEGRITY check then fails
// closed with 401).
func New(log zerolog.Logger, authority credentials.Authority, opts ...Option) *Stack {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	s := &Stack{
		log:       log.With().Str("component", "stack.Stack").Logger(),
		authority: authority,
		cfg:       cfg,
		listeners: newRegistries(),
	}
	s.manager = netaccess.New(log, s.processRaw)
	s.engine = transaction.NewEngine(log, s.manager.Send, cfg.transactionOpts...)
	return s
}

// Manager exposes the Net Access Manager for callers that hand-build
// Connectors (e.g. over pre-established sockets).
func (s *Stack) Manager() *netaccess.Manager { return s.manager }

// AddUDPSocket registers pc as an unconnected UDP endpoint (remote=nil, any
// peer) or a connected one, starts its reader, and returns its local address.
func (s *Stack) AddUDPSocket(pc net.PacketConn, remote *addr.TransportAddress) addr.TransportAddress {
	local := addr.FromUDPAddr(pc.LocalAddr().(*net.UDPAddr))
	c := netaccess.NewUDPConnector(pc, local, remote, s.log,
		s.manager.Dispatch,
		func(err error) { s.manager.OnFatal(local, remote, err) })
	s.manager.AddSocket(c, local, remote)
	return local
}

// AddTCPSocket registers an established TCP connection as an
// RFC-4571-framed endpoint and starts its reader.
func (s *Stack) AddTCPSocket(conn net.Conn) (local, remote addr.TransportAddress) {
	local = addr.FromTCPAddr(conn.LocalAddr().(*net.TCPAddr))
	remote = addr.FromTCPAddr(conn.RemoteAddr().(*net.TCPAddr))
	c := netaccess.NewTCPConnector(conn, local, remote, s.log,
		s.manager.Dispatch,
		func(err error) { s.manager.OnFatal(local, &remote, err) })
	s.manager.AddSocket(c, local, &remote)
	return local, remote
}

// RemoveSocket stops and deregisters the Connector for (local, remote).
func (s *Stack) RemoveSocket(local addr.TransportAddress, remote *addr.TransportAddress) error {
	return s.manager.RemoveSocket(local, remote)
}

// SendRequest starts a client transaction for req toward remote, sourced
// from local. The collector's ProcessResponse or ProcessTimeout fires
// exactly once unless the returned transaction is cancelled first.
func (s *Stack) SendRequest(req *stunmsg.Message, local, remote addr.TransportAddress, collector transaction.ClientCollector) *transaction.ClientTransaction {
	return s.engine.SendRequest(req, local, remote, collector)
}

// SendResponse encodes resp and emits it through the server transaction
// identified by transactionID. It fails with TransactionAlreadyAnswered if
// the transaction already holds a response, and TransactionDoesNotExist if
// it expired or was removed.
func (s *Stack) SendResponse(transactionID []byte, resp *stunmsg.Message, dest addr.TransportAddress) error {
	return s.engine.SendServerResponse(transactionID, resp.Encode(), dest)
}

// SendIndication encodes and sends an indication; indications are fire and
// forget, no transaction is created.
func (s *Stack) SendIndication(ind *stunmsg.Message, local, remote addr.TransportAddress) error {
	return s.manager.Send(ind.Encode(), local, remote)
}

// Engine exposes the transaction engine, mostly for tests and for callers
// that cancel client transactions directly.
func (s *Stack) Engine() *transaction.Engine { return s.engine }

// Stop shuts the whole stack down: the Net Access Manager stops every
// Connector and cancels in-flight processing, then the engine cancels every
// live client transaction. No callback fires after Stop returns.
func (s *Stack) Stop() {
	s.manager.Stop()
	s.engine.Stop()
}
