package sharedlistener

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// defaultAbandonTimeout closes accepted connections that have not
// delivered enough bytes to classify.
const defaultAbandonTimeout = 15 * time.Second

// maxClassifyBytes bounds how much of a connection's prefix is read for
// classification; the longest classifier prefix is the Google TURN SSLTCP
// handshake.
const maxClassifyBytes = 128

// Option configures a SharedListener.
type Option func(*config)

type config struct {
	abandonTimeout time.Duration
	reuseAddress   bool
}

func defaultListenerConfig() config {
	return config{abandonTimeout: defaultAbandonTimeout}
}

// WithAbandonTimeout overrides the default 15s classification deadline.
func WithAbandonTimeout(d time.Duration) Option {
	return func(c *config) { c.abandonTimeout = d }
}

// WithReuseAddress sets SO_REUSEADDR on the listening socket before bind
//.
func WithReuseAddress(reuse bool) Option {
	return func(c *config) { c.reuseAddress = reuse }
}

// Endpoint is one logical server endpoint sharing the physical listener.
// Connections routed to it are consumed with Accept, like a net.Listener.
type Endpoint struct {
	classifier Classifier
	conns      chan net.Conn
	parent     *SharedListener
}

// Accept blocks until a classified connection is routed to this endpoint
// or the shared listener closes.
func (e *Endpoint) Accept() (net.Conn, error) {
	select {
	case conn := <-e.conns:
		return conn, nil
	case <-e.parent.done:
		// Drain anything routed before the close won the race.
		select {
		case conn := <-e.conns:
			return conn, nil
		default:
		}
		return nil, xerrors.New(xerrors.Closed, "shared listener closed")
	}
}

// Addr returns the shared physical listening address.
func (e *Endpoint) Addr() net.Addr { return e.parent.Addr() }

// SharedListener owns one physical TCP listening socket shared by several
// logical endpoints. Each accepted connection is classified by its first
// bytes and handed to the first endpoint whose classifier accepts.
type SharedListener struct {
	log  zerolog.Logger
	ln   net.Listener
	cfg  config
	done chan struct{}

	mu        sync.Mutex
	endpoints []*Endpoint
	closed    bool
}

// Listen binds the shared TCP listener to address (host:port).
func Listen(log zerolog.Logger, address string, opts ...Option) (*SharedListener, error) {
	cfg := defaultListenerConfig()
	for _, o := range opts {
		o(&cfg)
	}

	lc := net.ListenConfig{}
	if cfg.reuseAddress {
		lc.Control = func(network, addr string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}

	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, &xerrors.NetworkError{Operation: "shared listen", Err: err}
	}

	sl := &SharedListener{
		log:  log.With().Str("component", "sharedlistener.SharedListener").Str("addr", ln.Addr().String()).Logger(),
		ln:   ln,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	go sl.acceptLoop()
	return sl, nil
}

// RegisterEndpoint attaches a logical endpoint. Registration order matters:
// the first accepting classifier wins.
func (sl *SharedListener) RegisterEndpoint(c Classifier) *Endpoint {
	e := &Endpoint{classifier: c, conns: make(chan net.Conn, 8), parent: sl}
	sl.mu.Lock()
	sl.endpoints = append(sl.endpoints, e)
	sl.mu.Unlock()
	return e
}

// Addr returns the physical listening address.
func (sl *SharedListener) Addr() net.Addr { return sl.ln.Addr() }

// Close shuts the physical listener and wakes every endpoint's Accept with
// Closed.
func (sl *SharedListener) Close() error {
	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return nil
	}
	sl.closed = true
	sl.mu.Unlock()

	close(sl.done)
	return sl.ln.Close()
}

func (sl *SharedListener) acceptLoop() {
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			sl.mu.Lock()
			closed := sl.closed
			sl.mu.Unlock()
			if !closed {
				sl.log.Error().Err(err).Msg("accept failed, listener loop exiting")
			}
			return
		}
		go sl.classify(conn)
	}
}

// classify reads the connection's first bytes incrementally, consulting
// every endpoint after each read, and hands the connection (with its
// prefix rewound) to the first acceptor. Connections that reject everywhere
// or exceed the abandonment timeout are closed.
func (sl *SharedListener) classify(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(sl.cfg.abandonTimeout))

	buf := make([]byte, 0, maxClassifyBytes)
	chunk := make([]byte, maxClassifyBytes)

	for len(buf) < maxClassifyBytes {
		n, err := conn.Read(chunk[:maxClassifyBytes-len(buf)])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			undecided := false

			sl.mu.Lock()
			endpoints := append([]*Endpoint(nil), sl.endpoints...)
			closed := sl.closed
			sl.mu.Unlock()
			if closed {
				conn.Close()
				return
			}

			for _, e := range endpoints {
				switch e.classifier.Classify(buf) {
				case Accept:
					_ = conn.SetReadDeadline(time.Time{})
					select {
					case e.conns <- newRewindConn(conn, buf):
					case <-sl.done:
						conn.Close()
					}
					return
				case NeedMoreData:
					undecided = true
				}
			}
			if !undecided {
				sl.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("no endpoint claimed connection, closing")
				conn.Close()
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				sl.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection abandoned before classification, closing")
			} else if err != io.EOF {
				sl.log.Debug().Err(err).Msg("read failed during classification, closing")
			}
			conn.Close()
			return
		}
	}

	// Prefix exhausted with every classifier still undecided.
	conn.Close()
}

// rewindConn replays the classified prefix before reading from the wire,
// so the endpoint sees the connection from its first byte.
type rewindConn struct {
	net.Conn
	prefix []byte
}

func newRewindConn(conn net.Conn, prefix []byte) *rewindConn {
	return &rewindConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

func (r *rewindConn) Read(b []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(b, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.Conn.Read(b)
}
