package stunmsg

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// idEpoch anchors the monotonic millisecond counter so it stays small; only
// relative ordering matters, not wall-clock meaning.
var idEpoch = time.Now()

var counter uint64

func nextMillis() uint64 {
	return uint64(time.Since(idEpoch) / time.Millisecond)
}

// GenerateID produces a transaction id of the given length (12 for RFC 5389,
// 16 for RFC 3489 back-compat): a monotonic millisecond counter (48 or 64
// bits) concatenated with random bytes, with the random bytes placed first
// so that equality comparisons between two concurrently-issued ids diverge
// in their leading bytes rather than their (often shared) counter suffix.
func GenerateID(length int) []byte {
	var counterBytes int
	switch length {
	case shortTermIDLen:
		counterBytes = 6 // 48-bit counter
	case legacyIDLen:
		counterBytes = 8 // 64-bit counter
	default:
		counterBytes = length / 2
	}
	randBytes := length - counterBytes

	id := make([]byte, length)
	if randBytes > 0 {
		_, _ = rand.Read(id[:randBytes])
	}

	m := atomicNextMillis()
	for i := 0; i < counterBytes; i++ {
		shift := uint((counterBytes - 1 - i) * 8)
		id[randBytes+i] = byte(m >> shift)
	}
	return id
}

// atomicNextMillis combines a real clock read with an atomic tie-breaker so
// that two ids generated within the same millisecond still advance.
func atomicNextMillis() uint64 {
	clock := nextMillis()
	seq := atomic.AddUint64(&counter, 1)
	return clock + seq%1000
}

// Correlator is the application-level handle a ClientTransaction carries
// (generated when the transaction is created) so responses can be matched
// back to a request without inspecting the wire transaction id.
type Correlator = uuid.UUID

// NewCorrelator allocates a fresh application correlator reference.
func NewCorrelator() Correlator {
	return uuid.New()
}
