package netaccess

import (
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/internal/bufpool"
	"github.com/kanzi-net/stuncore/internal/xerrors"
	"github.com/kanzi-net/stuncore/tcpframe"
)

// Connector owns one physical endpoint's receive loop. Implementations are
// exclusively owned by a Manager: start() spawns the reader, stop() closes
// the socket and unblocks it. Behind an interface so the reader loop can be
// swapped for an event-driven one without touching the Transaction Engine
//.
type Connector interface {
	Start()
	Stop() error
	Send(b []byte, dst addr.TransportAddress) error
	LocalAddr() addr.TransportAddress
	RemoteAddr() (addr.TransportAddress, bool)
}

// onRawFunc publishes a freshly-read datagram to the Manager's processing
// pool. onFatalFunc reports a terminal read failure so the Manager can
// evict this Connector from its index; transient I/O errors are logged by
// the reader itself and never reach the Manager.
type onRawFunc func(RawMessage)
type onFatalFunc func(error)

func isTransient(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// udpConnector implements Connector over a UDP socket wrapped in
// ipv4.PacketConn: the control-message interface index is purely diagnostic
// (attached to RawMessage for logging).
type udpConnector struct {
	pc       net.PacketConn
	ipv4Conn *ipv4.PacketConn
	local    addr.TransportAddress
	remote   *addr.TransportAddress // nil for an unconnected/listening socket
	onRaw    onRawFunc
	onFatal  onFatalFunc
	log      zerolog.Logger
	done     chan struct{}
}

// NewUDPConnector wraps the already-bound pc as a UDP Connector for local,
// with an optional connected remote.
func NewUDPConnector(pc net.PacketConn, local addr.TransportAddress, remote *addr.TransportAddress, log zerolog.Logger, onRaw onRawFunc, onFatal onFatalFunc) Connector {
	ipc := ipv4.NewPacketConn(pc)
	_ = ipc.SetControlMessage(ipv4.FlagInterface, true) // best-effort; absence degrades to InterfaceIndex=0
	return &udpConnector{
		pc:       pc,
		ipv4Conn: ipc,
		local:    local,
		remote:   remote,
		onRaw:    onRaw,
		onFatal:  onFatal,
		log:      log.With().Str("component", "netaccess.Connector").Str("local", local.String()).Logger(),
		done:     make(chan struct{}),
	}
}

func (c *udpConnector) LocalAddr() addr.TransportAddress { return c.local }

func (c *udpConnector) RemoteAddr() (addr.TransportAddress, bool) {
	if c.remote == nil {
		return addr.TransportAddress{}, false
	}
	return *c.remote, true
}

func (c *udpConnector) Start() {
	go c.readLoop()
}

func (c *udpConnector) readLoop() {
	for {
		bufPtr := bufpool.Get()
		n, cm, src, err := c.ipv4Conn.ReadFrom(*bufPtr)
		if err != nil {
			bufpool.Put(bufPtr)
			select {
			case <-c.done:
				return // stop() already closed us; not a fatal condition
			default:
			}
			if isTransient(err) {
				c.log.Warn().Err(err).Msg("transient udp receive error, continuing")
				continue
			}
			c.log.Error().Err(err).Msg("fatal udp receive error, stopping connector")
			c.onFatal(&xerrors.NetworkError{Operation: "udp receive", Err: err})
			return
		}

		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}

		out := make([]byte, n)
		copy(out, (*bufPtr)[:n])
		bufpool.Put(bufPtr)

		udpSrc, _ := src.(*net.UDPAddr)
		c.onRaw(RawMessage{
			Bytes:          out,
			Remote:         addr.FromUDPAddr(udpSrc),
			Local:          c.local,
			InterfaceIndex: ifIndex,
		})
	}
}

func (c *udpConnector) Send(b []byte, dst addr.TransportAddress) error {
	_, err := c.pc.WriteTo(b, dst.UDPAddr())
	if err != nil {
		return &xerrors.NetworkError{Operation: "udp send", Err: err}
	}
	return nil
}

func (c *udpConnector) Stop() error {
	close(c.done)
	if err := c.pc.Close(); err != nil {
		return &xerrors.NetworkError{Operation: "udp close", Err: err}
	}
	return nil
}

// tcpConnector implements Connector over an RFC-4571-framed TCP connection.
type tcpConnector struct {
	conn    *tcpframe.Conn
	local   addr.TransportAddress
	remote  addr.TransportAddress
	onRaw   onRawFunc
	onFatal onFatalFunc
	log     zerolog.Logger
	done    chan struct{}
}

// NewTCPConnector wraps an established TCP connection (already associated
// with exactly one remote peer) as a Connector.
func NewTCPConnector(c net.Conn, local, remote addr.TransportAddress, log zerolog.Logger, onRaw onRawFunc, onFatal onFatalFunc) Connector {
	return &tcpConnector{
		conn:    tcpframe.New(c),
		local:   local,
		remote:  remote,
		onRaw:   onRaw,
		onFatal: onFatal,
		log:     log.With().Str("component", "netaccess.Connector").Str("local", local.String()).Logger(),
		done:    make(chan struct{}),
	}
}

func (c *tcpConnector) LocalAddr() addr.TransportAddress { return c.local }

func (c *tcpConnector) RemoteAddr() (addr.TransportAddress, bool) {
	return c.remote, true
}

func (c *tcpConnector) Start() {
	go c.readLoop()
}

func (c *tcpConnector) readLoop() {
	for {
		payload, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Error().Err(err).Msg("fatal tcp receive error, stopping connector")
			c.onFatal(&xerrors.NetworkError{Operation: "tcp receive", Err: err})
			return
		}
		c.onRaw(RawMessage{
			Bytes:  payload,
			Remote: c.remote,
			Local:  c.local,
		})
	}
}

func (c *tcpConnector) Send(b []byte, dst addr.TransportAddress) error {
	return c.conn.WriteFrame(b)
}

func (c *tcpConnector) Stop() error {
	close(c.done)
	if err := c.conn.Close(); err != nil {
		return &xerrors.NetworkError{Operation: "tcp close", Err: err}
	}
	return nil
}
