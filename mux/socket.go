package mux

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kanzi-net/stuncore/internal/bufpool"
	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// safePacketConn guards the underlying datagram socket with a
// reader-writer lock: receivers hold the read side while blocked inside
// ReadFrom, Close takes the write side and so returns only after every
// blocked receiver has observed the close and left the call.
type safePacketConn struct {
	mu     sync.RWMutex
	pc     net.PacketConn
	closed bool
	cmu    sync.Mutex // guards closed
}

func (s *safePacketConn) isClosed() bool {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.closed
}

func (s *safePacketConn) readFrom(b []byte) (int, net.Addr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isClosed() {
		return 0, nil, xerrors.New(xerrors.Closed, "socket closed")
	}
	n, from, err := s.pc.ReadFrom(b)
	if err != nil && (s.isClosed() || errors.Is(err, net.ErrClosed)) {
		return 0, nil, xerrors.New(xerrors.Closed, "socket closed during receive")
	}
	return n, from, err
}

func (s *safePacketConn) writeTo(b []byte, dst net.Addr) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.isClosed() {
		return 0, xerrors.New(xerrors.Closed, "socket closed")
	}
	return s.pc.WriteTo(b, dst)
}

func (s *safePacketConn) close() error {
	s.cmu.Lock()
	if s.closed {
		s.cmu.Unlock()
		return nil
	}
	s.closed = true
	s.cmu.Unlock()

	// Closing the socket first unblocks any reader parked in ReadFrom;
	// taking the write lock then waits for them to release the read side.
	err := s.pc.Close()
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck // empty critical section is the readers-drained barrier
	return err
}

// MultiplexingSocket splits one physical datagram endpoint into logical
// views chosen by content filters. It owns the physical socket; views hold
// a non-owning reference bounded by the socket's lifetime.
type MultiplexingSocket struct {
	conn       *safePacketConn
	persistent bool

	mu      sync.Mutex // guards views and the physical-read token
	views   []*MultiplexedView
	reading bool

	buf *receiveBuffer
}

// NewMultiplexingSocket wraps pc. A persistent socket stays open when its
// last view closes; a non-persistent one closes with it.
func NewMultiplexingSocket(pc net.PacketConn, persistent bool) *MultiplexingSocket {
	conn := &safePacketConn{pc: pc}
	return &MultiplexingSocket{
		conn:       conn,
		persistent: persistent,
		buf:        newReceiveBuffer(rcvbufHint(pc)),
	}
}

// LocalAddr returns the physical socket's bound address.
func (m *MultiplexingSocket) LocalAddr() net.Addr { return m.conn.pc.LocalAddr() }

// Send writes one datagram to dst on the physical socket.
func (m *MultiplexingSocket) Send(b []byte, dst net.Addr) error {
	_, err := m.conn.writeTo(b, dst)
	return err
}

// Receive returns the next datagram not claimed by any view's filter.
// timeout <= 0 blocks indefinitely; an exhausted timeout yields a Timeout
// error, close mid-wait yields Closed.
func (m *MultiplexingSocket) Receive(timeout time.Duration) (Datagram, error) {
	return m.receiveInto(m.buf, timeout)
}

// OpenView returns the logical pseudo-socket for filter, creating it on
// first use: creation is idempotent by filter equality. A late-opened view
// immediately pulls its backlog out of the parent's buffer.
func (m *MultiplexingSocket) OpenView(filter Filter) *MultiplexedView {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.views {
		if v.filter == filter {
			return v
		}
	}
	v := &MultiplexedView{
		parent: m,
		filter: filter,
		buf:    newReceiveBuffer(rcvbufHint(m.conn.pc)),
	}
	for _, d := range m.buf.drainMatching(filter) {
		v.buf.add(d)
	}
	m.views = append(m.views, v)
	return v
}

// Close closes the underlying socket and wakes every receiver, on the
// socket itself and on every view, with Closed.
func (m *MultiplexingSocket) Close() error {
	m.mu.Lock()
	views := append([]*MultiplexedView(nil), m.views...)
	m.mu.Unlock()

	err := m.conn.close()
	m.buf.close()
	for _, v := range views {
		v.buf.close()
	}
	return err
}

// receiveInto is the shared receive path: exactly
// one caller at a time performs the physical read; everyone else waits on
// the condition of their own buffer. After a physical read the datagram
// lands in the accepting buffers and those buffers' waiters are signalled.
func (m *MultiplexingSocket) receiveInto(buf *receiveBuffer, timeout time.Duration) (Datagram, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if d, ok := buf.tryTake(); ok {
			return d, nil
		}
		if m.conn.isClosed() || buf.isClosed() {
			return Datagram{}, xerrors.New(xerrors.Closed, "socket closed")
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Datagram{}, xerrors.New(xerrors.Timeout, "receive timed out")
		}

		m.mu.Lock()
		if !m.reading {
			m.reading = true
			m.mu.Unlock()

			err := m.physicalReceive(deadline)

			m.mu.Lock()
			m.reading = false
			m.mu.Unlock()
			m.wakeAll()

			if err != nil {
				return Datagram{}, err
			}
			continue
		}
		m.mu.Unlock()

		if !buf.waitUntil(deadline) {
			return Datagram{}, xerrors.New(xerrors.Timeout, "receive timed out")
		}
	}
}

// physicalReceive performs one blocking read and distributes the result:
// every view whose filter accepts takes the datagram (additional acceptors
// receive independent clones); if none accept it lands on the socket's own
// buffer.
func (m *MultiplexingSocket) physicalReceive(deadline time.Time) error {
	if !deadline.IsZero() {
		_ = m.conn.pc.SetReadDeadline(deadline)
	} else {
		_ = m.conn.pc.SetReadDeadline(time.Time{})
	}

	bufPtr := bufpool.Get()
	n, from, err := m.conn.readFrom(*bufPtr)
	if err != nil {
		bufpool.Put(bufPtr)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return xerrors.New(xerrors.Timeout, "receive timed out")
		}
		return err
	}

	d := Datagram{Data: append([]byte(nil), (*bufPtr)[:n]...), From: from}
	bufpool.Put(bufPtr)

	m.mu.Lock()
	views := append([]*MultiplexedView(nil), m.views...)
	m.mu.Unlock()

	delivered := false
	for _, v := range views {
		if !v.filter.Accept(d.Data) {
			continue
		}
		if !delivered {
			v.buf.add(d)
			delivered = true
		} else {
			v.buf.add(d.clone())
		}
	}
	if !delivered {
		m.buf.add(d)
	}
	return nil
}

// wakeAll lets every parked receiver re-contend for the physical-read
// token after the current reader finishes.
func (m *MultiplexingSocket) wakeAll() {
	m.mu.Lock()
	views := append([]*MultiplexedView(nil), m.views...)
	m.mu.Unlock()
	m.buf.wake()
	for _, v := range views {
		v.buf.wake()
	}
}

// detach removes v from the view list; when the last view detaches from a
// non-persistent socket the socket itself closes.
func (m *MultiplexingSocket) detach(v *MultiplexedView) error {
	m.mu.Lock()
	for i, existing := range m.views {
		if existing == v {
			m.views = append(m.views[:i], m.views[i+1:]...)
			break
		}
	}
	remaining := len(m.views)
	m.mu.Unlock()

	v.buf.close()
	if remaining == 0 && !m.persistent {
		return m.Close()
	}
	return nil
}

// MultiplexedView is the logical pseudo-socket for one filter. It receives
// exactly the datagrams its filter accepts; everything else flows to the
// parent or to sibling views.
type MultiplexedView struct {
	parent *MultiplexingSocket
	filter Filter
	buf    *receiveBuffer
}

// Receive returns the next datagram accepted by this view's filter,
// performing the physical read itself when no sibling is already reading.
func (v *MultiplexedView) Receive(timeout time.Duration) (Datagram, error) {
	return v.parent.receiveInto(v.buf, timeout)
}

// Send writes through the parent's physical socket.
func (v *MultiplexedView) Send(b []byte, dst net.Addr) error {
	return v.parent.Send(b, dst)
}

// LocalAddr returns the parent's bound address; a view has no address of
// its own.
func (v *MultiplexedView) LocalAddr() net.Addr { return v.parent.LocalAddr() }

// Filter returns the content filter this view was opened with.
func (v *MultiplexedView) Filter() Filter { return v.filter }

// Close detaches the view from its parent.
func (v *MultiplexedView) Close() error {
	return v.parent.detach(v)
}
