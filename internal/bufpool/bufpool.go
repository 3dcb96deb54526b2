// Package bufpool provides the reusable receive-buffer pool shared by every
// Connector. A 1500-byte buffer is the Ethernet MTU; STUN datagrams and
// channel data never exceed it in practice, and oversized reads are simply
// truncated to fit.
package bufpool

import "sync"

// Size is the per-receive buffer length (Ethernet MTU).
const Size = 1500

var pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, Size)
		return &b
	},
}

// Get returns a buffer of length Size, reused from the pool when possible.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put returns a buffer to the pool for reuse. Callers must not retain any
// reference to buf after calling Put.
func Put(buf *[]byte) {
	if buf == nil || len(*buf) != Size {
		return
	}
	pool.Put(buf)
}
