package merge

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/internal/bufpool"
)

const (
	// containerQueueCap bounds the per-underlying queue of received,
	// not-yet-consumed packets.
	containerQueueCap = 100

	// containerPoolCap bounds the per-underlying free list of receive
	// buffers reused across reads.
	containerPoolCap = 10
)

// PacketSocket is the contract an underlying endpoint must satisfy to be
// composed into a MergingSocket: a UDP socket or an RFC-4571-framed TCP
// connection wrapped to datagram semantics.
type PacketSocket interface {
	ReadFrom(b []byte) (n int, from net.Addr, err error)
	WriteTo(b []byte, dst net.Addr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	// RemoteAddr returns the connected peer, or nil for an unconnected
	// socket.
	RemoteAddr() net.Addr
}

// timedPacket is one received datagram stamped with its arrival time. buf
// is the pooled backing array returned to the container's free list once
// the packet is consumed.
type timedPacket struct {
	data    []byte
	from    net.Addr
	arrived time.Time
	buf     *[]byte
}

// container pairs one underlying socket with its reader goroutine, bounded
// queue and buffer free list.
type container struct {
	sock PacketSocket
	log  zerolog.Logger

	// Guarded by the owning MergingSocket's mutex.
	queue      []timedPacket
	lastRemote net.Addr // updated only when a dequeued packet passes the accept filter
	closed     bool

	free chan *[]byte
	done chan struct{}
}

func newContainer(sock PacketSocket, log zerolog.Logger) *container {
	return &container{
		sock: sock,
		log:  log.With().Str("component", "merge.container").Str("local", sock.LocalAddr().String()).Logger(),
		free: make(chan *[]byte, containerPoolCap),
		done: make(chan struct{}),
	}
}

func (c *container) getBuf() *[]byte {
	select {
	case b := <-c.free:
		return b
	default:
		return bufpool.Get()
	}
}

func (c *container) putBuf(b *[]byte) {
	if b == nil {
		return
	}
	select {
	case c.free <- b:
	default:
		bufpool.Put(b)
	}
}

// readLoop is the container's reader thread: it blocks in the underlying
// receive, stamps each packet with its arrival time, and enqueues it for
// the merging socket's ordered delivery. The loop exits when the underlying
// socket is closed.
func (c *container) readLoop(m *MergingSocket) {
	for {
		buf := c.getBuf()
		n, from, err := c.sock.ReadFrom(*buf)
		if err != nil {
			c.putBuf(buf)
			select {
			case <-c.done:
			default:
				c.log.Error().Err(err).Msg("underlying receive failed, reader exiting")
			}
			return
		}
		if from == nil {
			from = c.sock.RemoteAddr()
		}
		m.enqueue(c, timedPacket{
			data:    (*buf)[:n],
			from:    from,
			arrived: time.Now(),
			buf:     buf,
		})
	}
}

// stop closes the underlying socket, which unblocks and terminates the
// reader.
func (c *container) stop() error {
	close(c.done)
	return c.sock.Close()
}
