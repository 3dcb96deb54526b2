package mux

import (
	"bytes"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func muxPair(t *testing.T, persistent bool) (*MultiplexingSocket, net.PacketConn) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	sender, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket(sender): %v", err)
	}
	t.Cleanup(func() { sender.Close() })
	m := NewMultiplexingSocket(pc, persistent)
	t.Cleanup(func() { m.Close() })
	return m, sender
}

func sendTo(t *testing.T, sender net.PacketConn, dst net.Addr, b []byte) {
	t.Helper()
	if _, err := sender.WriteTo(b, dst); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
}

func TestOpenView_IdempotentByFilterEquality(t *testing.T) {
	m, _ := muxPair(t, true)

	a := m.OpenView(FirstByteFilter{Value: 0x00})
	b := m.OpenView(FirstByteFilter{Value: 0x00})
	if a != b {
		t.Fatal("OpenView with an equal filter returned a distinct view")
	}
	c := m.OpenView(FirstByteFilter{Value: 0x01})
	if a == c {
		t.Fatal("OpenView with a different filter returned the same view")
	}
}

func TestFanoutWithCloning(t *testing.T) {
	m, sender := muxPair(t, true)

	// Two views with distinct filters whose accept conditions both hold for
	// the same datagram.
	viewA := m.OpenView(StunFilter{})
	viewB := m.OpenView(FirstByteFilter{Value: 0x00})

	payload := make([]byte, 24) // first byte 0x00: STUN-shaped and matches FirstByteFilter
	payload[20] = 0xAB
	sendTo(t, sender, m.LocalAddr(), payload)

	da, err := viewA.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("viewA.Receive: %v", err)
	}
	db, err := viewB.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("viewB.Receive: %v", err)
	}
	if !bytes.Equal(da.Data, payload) || !bytes.Equal(db.Data, payload) {
		t.Fatal("cloned deliveries differ from the wire payload")
	}
	if &da.Data[0] == &db.Data[0] {
		t.Fatal("views share a mutable buffer; acceptors must get independent copies")
	}
	if m.buf.len() != 0 {
		t.Fatalf("parent buffer length = %d, want 0 (both filters accepted)", m.buf.len())
	}
}

func TestUnclaimedDatagramGoesToParent(t *testing.T) {
	m, sender := muxPair(t, true)
	m.OpenView(FirstByteFilter{Value: 0x7E})

	payload := []byte{0xFF, 1, 2, 3}
	sendTo(t, sender, m.LocalAddr(), payload)

	d, err := m.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(d.Data, payload) {
		t.Fatalf("parent received %x, want %x", d.Data, payload)
	}
}

func TestLateViewPullsBacklog(t *testing.T) {
	m, _ := muxPair(t, true)

	payload := []byte{0x42, 9, 9, 9}

	// A datagram already parked on the parent buffer (read before any view
	// with a matching filter existed) must migrate into a late-opened view.
	m.buf.add(Datagram{Data: append([]byte(nil), payload...)})

	v := m.OpenView(FirstByteFilter{Value: 0x42})
	d, err := v.Receive(200 * time.Millisecond)
	if err != nil {
		t.Fatalf("late view did not pull backlog: %v", err)
	}
	if !bytes.Equal(d.Data, payload) {
		t.Fatalf("backlog payload = %x, want %x", d.Data, payload)
	}
}

func TestReceiveTimeout(t *testing.T) {
	m, _ := muxPair(t, true)

	start := time.Now()
	_, err := m.Receive(150 * time.Millisecond)
	se, ok := err.(*xerrors.StunError)
	if !ok || se.Kind != xerrors.Timeout {
		t.Fatalf("Receive error = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("timeout fired after %v, too early", elapsed)
	}
}

func TestSafeClose_WakesBlockedReceiver(t *testing.T) {
	m, _ := muxPair(t, true)

	type result struct {
		err error
		at  time.Time
	}
	got := make(chan result, 1)
	go func() {
		_, err := m.Receive(0) // block indefinitely
		got <- result{err: err, at: time.Now()}
	}()

	time.Sleep(100 * time.Millisecond) // let the receiver park in the read
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	closeReturned := time.Now()

	select {
	case r := <-got:
		se, ok := r.err.(*xerrors.StunError)
		if !ok || se.Kind != xerrors.Closed {
			t.Fatalf("Receive error = %v, want Closed", r.err)
		}
		// Close holds the write lock until the receiver has left the
		// physical read, so the receiver's exit cannot postdate Close's
		// return by the blocking read itself.
		if r.at.After(closeReturned.Add(time.Second)) {
			t.Fatal("receiver exited long after Close returned")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receiver never woke after Close")
	}

	// The address is free again: a fresh bind to it must succeed.
	pc, err := net.ListenPacket("udp4", m.LocalAddr().String())
	if err != nil {
		t.Fatalf("rebind after close failed: %v", err)
	}
	pc.Close()
}

func TestClosingLastViewClosesNonPersistentSocket(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	m := NewMultiplexingSocket(pc, false)

	v := m.OpenView(StunFilter{})
	if err := v.Close(); err != nil {
		t.Fatalf("view Close: %v", err)
	}
	if !m.conn.isClosed() {
		t.Fatal("closing the last view of a non-persistent socket did not close it")
	}
}

func TestClosingLastViewKeepsPersistentSocketOpen(t *testing.T) {
	m, _ := muxPair(t, true)
	v := m.OpenView(StunFilter{})
	if err := v.Close(); err != nil {
		t.Fatalf("view Close: %v", err)
	}
	if m.conn.isClosed() {
		t.Fatal("persistent socket closed when its last view detached")
	}
}

func TestReceiveBuffer_ByteBudgetDropsOldest(t *testing.T) {
	b := newReceiveBuffer(func() int { return 0 }) // floor: 1MiB budget

	big := make([]byte, 600<<10)
	b.add(Datagram{Data: append([]byte(nil), big...)})
	b.add(Datagram{Data: append([]byte(nil), big...)})

	// 1.2MiB queued against a 1MiB budget with >1 element: oldest dropped.
	if got := b.len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1 after byte-budget drop", got)
	}

	// A single oversized datagram is never dropped: the budget only evicts
	// while more than one element is held.
	b2 := newReceiveBuffer(nil)
	b2.add(Datagram{Data: make([]byte, 2<<20)})
	if got := b2.len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1 (sole element kept)", got)
	}
}

func TestFilters(t *testing.T) {
	stun := make([]byte, 20)
	if !(StunFilter{}).Accept(stun) {
		t.Error("StunFilter rejected a zeroed 20-byte header")
	}
	stun[0] = 0xC0
	if (StunFilter{}).Accept(stun) {
		t.Error("StunFilter accepted a first byte with the top bits set")
	}

	for b, want := range map[byte]bool{19: false, 20: true, 63: true, 64: false} {
		if got := (DTLSFilter{}).Accept([]byte{b}); got != want {
			t.Errorf("DTLSFilter.Accept(first byte %d) = %v, want %v", b, got, want)
		}
	}

	if !(ChannelDataFilter{}).Accept([]byte{0x40, 0x01, 0, 0}) {
		t.Error("ChannelDataFilter rejected a channel-range first byte")
	}
	if (ChannelDataFilter{}).Accept(make([]byte, 20)) {
		t.Error("ChannelDataFilter accepted a STUN-range first byte")
	}

	rtcp := []byte{0x80, 200, 0, 0}
	if !(RTCPFilter{}).Accept(rtcp) {
		t.Error("RTCPFilter rejected version-2 payload type 200")
	}
	rtcp[1] = 212
	if (RTCPFilter{}).Accept(rtcp) {
		t.Error("RTCPFilter accepted payload type 212")
	}
	if (RTCPFilter{}).Accept([]byte{0x80, 205}) {
		t.Error("RTCPFilter accepted a 2-byte packet")
	}
}
