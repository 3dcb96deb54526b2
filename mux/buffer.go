// Package mux implements the multiplexing/demultiplexing socket layer: one
// physical datagram endpoint split into multiple logical pseudo-sockets by
// content filters, with a shared bounded receive buffer that back-pressures
// against the platform's SO_RCVBUF hint, and a reader-writer-locked close
// path that lets a blocked receiver exit cleanly.
package mux

import (
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// maxQueuedDatagrams is the hard per-buffer cap, independent of byte
	// totals.
	maxQueuedDatagrams = 10000

	// hintRefreshInterval is how many adds elapse between SO_RCVBUF
	// re-reads.
	hintRefreshInterval = 1000

	// minByteBudget floors the byte budget at 1 MiB even when the platform
	// reports a smaller receive buffer.
	minByteBudget = 1 << 20
)

// Datagram is one received packet: payload plus its source address. Buffers
// never share payload slices; a datagram accepted by several filters is
// cloned per acceptor.
type Datagram struct {
	Data []byte
	From net.Addr
}

func (d Datagram) clone() Datagram {
	return Datagram{Data: append([]byte(nil), d.Data...), From: d.From}
}

// hintFunc reports the platform receive-buffer size for the underlying
// socket; 0 means unknown.
type hintFunc func() int

// receiveBuffer is a bounded FIFO of datagrams. Its mutex doubles as the
// condition-variable monitor waiters block on, so the multiplexing socket can wake exactly the buffers that
// received data after a physical read.
type receiveBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	items     []Datagram
	byteTotal int

	hint             hintFunc
	cachedHint       int
	addsSinceRefresh int

	closed bool
}

func newReceiveBuffer(hint hintFunc) *receiveBuffer {
	b := &receiveBuffer{hint: hint}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// add enqueues d, enforcing both the hard count cap and the byte budget:
// when the running byte total exceeds the (doubled, floored) SO_RCVBUF hint
// and more than one element is queued, the oldest is dropped.
func (b *receiveBuffer) add(d Datagram) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.addsSinceRefresh == 0 {
		b.refreshHintLocked()
	}
	b.addsSinceRefresh = (b.addsSinceRefresh + 1) % hintRefreshInterval

	if len(b.items) >= maxQueuedDatagrams {
		b.dropOldestLocked()
	}

	b.items = append(b.items, d)
	b.byteTotal += len(d.Data)

	for b.byteTotal > b.cachedHint && len(b.items) > 1 {
		b.dropOldestLocked()
	}

	b.cond.Broadcast()
}

func (b *receiveBuffer) refreshHintLocked() {
	hint := 0
	if b.hint != nil {
		hint = b.hint()
	}
	hint *= 2
	if hint < minByteBudget {
		hint = minByteBudget
	}
	b.cachedHint = hint
}

func (b *receiveBuffer) dropOldestLocked() {
	old := b.items[0]
	b.items = b.items[1:]
	b.byteTotal -= len(old.Data)
}

// tryTake pops the oldest datagram without blocking.
func (b *receiveBuffer) tryTake() (Datagram, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return Datagram{}, false
	}
	d := b.items[0]
	b.items = b.items[1:]
	b.byteTotal -= len(d.Data)
	return d, true
}

// drainMatching removes and returns every queued datagram accepted by f,
// preserving arrival order. Used when a late-opened view pulls its backlog
// out of the parent's buffer.
func (b *receiveBuffer) drainMatching(f Filter) []Datagram {
	b.mu.Lock()
	defer b.mu.Unlock()
	var taken []Datagram
	kept := b.items[:0]
	for _, d := range b.items {
		if f.Accept(d.Data) {
			taken = append(taken, d)
			b.byteTotal -= len(d.Data)
		} else {
			kept = append(kept, d)
		}
	}
	b.items = kept
	return taken
}

func (b *receiveBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *receiveBuffer) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// close wakes every waiter; subsequent adds are discarded.
func (b *receiveBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// wake signals the buffer's waiters without enqueuing anything, so a waiter
// can re-contend for the physical-read token.
func (b *receiveBuffer) wake() {
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// waitUntil blocks until the buffer is non-empty, closed, or deadline
// passes (zero deadline means wait forever). It reports whether the caller
// should re-check (true) or has definitively timed out (false).
func (b *receiveBuffer) waitUntil(deadline time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 || b.closed {
		return true
	}
	if deadline.IsZero() {
		b.cond.Wait()
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	// sync.Cond has no timed wait; a helper timer broadcast bounds the
	// sleep instead.
	t := time.AfterFunc(remaining, b.wakeAsync)
	b.cond.Wait()
	t.Stop()
	return len(b.items) > 0 || b.closed || time.Now().Before(deadline)
}

func (b *receiveBuffer) wakeAsync() {
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// rcvbufHint reads SO_RCVBUF off a live socket via its SyscallConn. The
// standard library exposes no portable getter for this, hence the direct
// getsockopt (golang.org/x/sys/unix).
func rcvbufHint(pc net.PacketConn) hintFunc {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return nil
	}
	return func() int {
		raw, err := sc.SyscallConn()
		if err != nil {
			return 0
		}
		var val int
		_ = raw.Control(func(fd uintptr) {
			val, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		})
		return val
	}
}
