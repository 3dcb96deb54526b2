package netaccess

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/internal/xerrors"
)

func newTestManager(t *testing.T, onRaw func(RawMessage)) *Manager {
	t.Helper()
	if onRaw == nil {
		onRaw = func(RawMessage) {}
	}
	return New(zerolog.Nop(), onRaw)
}

func udpLoopback(t *testing.T) (net.PacketConn, addr.TransportAddress) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	local := addr.FromUDPAddr(pc.LocalAddr().(*net.UDPAddr))
	return pc, local
}

func TestManager_SendNoRoute(t *testing.T) {
	m := newTestManager(t, nil)
	local := addr.New(net.ParseIP("127.0.0.1"), 9, addr.UDP)
	remote := addr.New(net.ParseIP("127.0.0.1"), 10, addr.UDP)

	err := m.Send([]byte("hi"), local, remote)
	if err == nil {
		t.Fatal("Send() error = nil, want NoRoute")
	}
	se, ok := err.(*xerrors.StunError)
	if !ok || se.Kind != xerrors.NoRoute {
		t.Fatalf("Send() error = %v, want NoRoute", err)
	}
}

func TestManager_AddSocketDuplicateIsNoop(t *testing.T) {
	received := make(chan RawMessage, 4)
	m := newTestManager(t, func(msg RawMessage) { received <- msg })

	pc, local := udpLoopback(t)
	c := NewUDPConnector(pc, local, nil, zerolog.Nop(), func(r RawMessage) { m.Dispatch(r) }, func(error) {})
	m.AddSocket(c, local, nil)

	// A second AddSocket for the same key must be a no-op (and must not
	// attempt to Start() the already-registered connector again).
	c2 := NewUDPConnector(pc, local, nil, zerolog.Nop(), func(r RawMessage) { m.Dispatch(r) }, func(error) {})
	m.AddSocket(c2, local, nil)

	if len(m.udp) != 1 {
		t.Fatalf("udp index size = %d, want 1", len(m.udp))
	}

	m.Stop()
}

func TestManager_SendReceiveRoundTrip(t *testing.T) {
	received := make(chan RawMessage, 4)
	m := newTestManager(t, func(msg RawMessage) { received <- msg })

	pcA, localA := udpLoopback(t)
	pcB, localB := udpLoopback(t)

	cA := NewUDPConnector(pcA, localA, nil, zerolog.Nop(), func(r RawMessage) { m.Dispatch(r) }, func(error) {})
	cB := NewUDPConnector(pcB, localB, nil, zerolog.Nop(), func(r RawMessage) { m.Dispatch(r) }, func(error) {})
	m.AddSocket(cA, localA, nil)
	m.AddSocket(cB, localB, nil)

	payload := []byte("stun-ish payload")
	if err := m.Send(payload, localA, localB); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Bytes) != string(payload) {
			t.Fatalf("received %q, want %q", msg.Bytes, payload)
		}
		if !msg.Local.Equal(localB) {
			t.Fatalf("RawMessage.Local = %v, want %v (local must match receiving connector)", msg.Local, localB)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched RawMessage")
	}

	m.Stop()
}

func TestManager_StopIsTotal(t *testing.T) {
	var count int
	done := make(chan struct{})
	m := newTestManager(t, func(RawMessage) {
		count++
		close(done)
	})

	pc, local := udpLoopback(t)
	c := NewUDPConnector(pc, local, nil, zerolog.Nop(), func(r RawMessage) { m.Dispatch(r) }, func(error) {})
	m.AddSocket(c, local, nil)

	m.Stop()

	// Dispatch after Stop must never invoke onRaw: Stop is total, no
	// callback fires after it returns.
	m.Dispatch(RawMessage{Local: local})

	select {
	case <-done:
		t.Fatal("onRaw fired after Stop()")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_RemoveSocketNoRoute(t *testing.T) {
	m := newTestManager(t, nil)
	local := addr.New(net.ParseIP("127.0.0.1"), 9, addr.UDP)

	err := m.RemoveSocket(local, nil)
	if err == nil {
		t.Fatal("RemoveSocket() error = nil, want NoRoute")
	}
}
