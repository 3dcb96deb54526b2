// Package merge implements the Merging Socket: N underlying datagram
// endpoints (UDP, or TCP carrying RFC 4571 frames) composed into one
// logical socket whose receive respects the non-decreasing order of
// per-underlying arrival timestamps, and whose send path follows an
// "active underlying" chosen by recency of received traffic or by explicit
// external nomination.
package merge

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// Packet is one received datagram, copied out of the container's pooled
// buffer before delivery.
type Packet struct {
	Data []byte
	From net.Addr
}

// AcceptFunc vets a just-dequeued packet. A rejected packet is counted and
// the receive loop continues; only an accepted packet may update a
// container's trusted remote address.
type AcceptFunc func(p Packet) bool

// Option configures a MergingSocket.
type Option func(*MergingSocket)

// WithAcceptFilter installs the external packet filter consulted on every
// dequeue.
func WithAcceptFilter(f AcceptFunc) Option {
	return func(m *MergingSocket) { m.accept = f }
}

// MergingSocket concatenates several physical endpoints into one logical
// datagram socket. One mutex/cond pair guards the containers, their queues
// and the active-endpoint state.
type MergingSocket struct {
	log    zerolog.Logger
	accept AcceptFunc

	mu   sync.Mutex
	cond *sync.Cond

	containers []*container
	active     *container
	activeDst  net.Addr // pre-set send target from InitializeActive
	closed     bool

	rejected int
}

// New builds an empty MergingSocket; underlyings are attached with Add.
func New(log zerolog.Logger, opts ...Option) *MergingSocket {
	m := &MergingSocket{
		log: log.With().Str("component", "merge.MergingSocket").Logger(),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add attaches sock as a new underlying endpoint and starts its reader.
func (m *MergingSocket) Add(sock PacketSocket) {
	c := newContainer(sock, m.log)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = sock.Close()
		return
	}
	m.containers = append(m.containers, c)
	m.mu.Unlock()

	go c.readLoop(m)
	m.log.Debug().Str("local", sock.LocalAddr().String()).Msg("underlying added")
}

// Remove detaches the underlying registered for sock, stopping its reader
// and closing the socket. Any index, including the zeroth, is removable.
func (m *MergingSocket) Remove(sock PacketSocket) error {
	m.mu.Lock()
	idx := -1
	for i, c := range m.containers {
		if c.sock == sock {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return xerrors.New(xerrors.NoRoute, "underlying not attached")
	}
	c := m.containers[idx]
	m.containers = append(m.containers[:idx], m.containers[idx+1:]...)
	c.closed = true
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()

	m.cond.Broadcast()
	return c.stop()
}

// InitializeActive forces sock to be the active underlying and pre-sets the
// send target, typically called by the external ICE component when a pair
// is nominated. Subsequent received traffic resumes the recency policy.
func (m *MergingSocket) InitializeActive(sock PacketSocket, remote net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.containers {
		if c.sock == sock {
			m.active = c
			m.activeDst = remote
			return nil
		}
	}
	return xerrors.New(xerrors.NoRoute, "underlying not attached")
}

// enqueue is called from a container's reader. The reader's just-received
// source address is NOT recorded as the container's trusted remote; only an
// accepted dequeue does that.
func (m *MergingSocket) enqueue(c *container, p timedPacket) {
	m.mu.Lock()
	if c.closed || m.closed {
		m.mu.Unlock()
		c.putBuf(p.buf)
		return
	}
	if len(c.queue) >= containerQueueCap {
		old := c.queue[0]
		c.queue = c.queue[1:]
		c.putBuf(old.buf)
	}
	c.queue = append(c.queue, p)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Receive returns the queued packet with the oldest arrival timestamp
// across all underlyings; ties between underlyings
// break arbitrarily. timeout <= 0 blocks indefinitely; an exhausted
// timeout yields Timeout, close mid-wait yields Closed. Packets rejected by
// the accept filter are counted and skipped.
func (m *MergingSocket) Receive(timeout time.Duration) (Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Packet{}, xerrors.New(xerrors.Closed, "merging socket closed")
		}

		c, ok := m.oldestLocked()
		if !ok {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				m.mu.Unlock()
				return Packet{}, xerrors.New(xerrors.Timeout, "receive timed out")
			}
			m.waitLocked(deadline)
			m.mu.Unlock()
			continue
		}

		tp := c.queue[0]
		c.queue = c.queue[1:]
		p := Packet{Data: append([]byte(nil), tp.data...), From: tp.from}
		c.putBuf(tp.buf)
		m.mu.Unlock()

		// The accept filter is an application callback; it runs outside
		// the monitor.
		if m.accept != nil && !m.accept(p) {
			m.mu.Lock()
			m.rejected++
			m.mu.Unlock()
			continue
		}

		// Accepted: this underlying becomes active and its trusted remote
		// is updated.
		m.mu.Lock()
		c.lastRemote = p.From
		m.active = c
		m.mu.Unlock()
		return p, nil
	}
}

// oldestLocked picks the container whose queue head has the earliest
// arrival timestamp.
func (m *MergingSocket) oldestLocked() (*container, bool) {
	var best *container
	for _, c := range m.containers {
		if len(c.queue) == 0 {
			continue
		}
		if best == nil || c.queue[0].arrived.Before(best.queue[0].arrived) {
			best = c
		}
	}
	return best, best != nil
}

// waitLocked parks the caller on the shared condition with a bounded
// wakeup when a deadline is set.
func (m *MergingSocket) waitLocked(deadline time.Time) {
	if deadline.IsZero() {
		m.cond.Wait()
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}
	t := time.AfterFunc(remaining, m.cond.Broadcast)
	m.cond.Wait()
	t.Stop()
}

// Send writes b through the active underlying. The target is the
// underlying's connected peer if any, else the last accepted remote, else
// the target set by InitializeActive; with no active underlying the send
// fails.
func (m *MergingSocket) Send(b []byte) error {
	m.mu.Lock()
	c := m.active
	var dst net.Addr
	if c != nil {
		switch {
		case c.sock.RemoteAddr() != nil:
			dst = c.sock.RemoteAddr()
		case c.lastRemote != nil:
			dst = c.lastRemote
		default:
			dst = m.activeDst
		}
	}
	m.mu.Unlock()

	if c == nil {
		return xerrors.New(xerrors.NoRoute, "no active underlying")
	}
	if dst == nil {
		return xerrors.New(xerrors.NoRoute, "active underlying has no send target")
	}
	if _, err := c.sock.WriteTo(b, dst); err != nil {
		return &xerrors.NetworkError{Operation: "merged send", Err: err}
	}
	return nil
}

// RejectedCount reports how many dequeued packets the accept filter has
// discarded.
func (m *MergingSocket) RejectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// Active returns the local address of the current active underlying, if
// one exists; mostly for tests and diagnostics.
func (m *MergingSocket) Active() (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active.sock.LocalAddr(), true
}

// Close detaches and closes every underlying and wakes all blocked
// receivers with Closed.
func (m *MergingSocket) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	containers := m.containers
	m.containers = nil
	for _, c := range containers {
		c.closed = true
	}
	m.mu.Unlock()

	m.cond.Broadcast()

	var firstErr error
	for _, c := range containers {
		if err := c.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
