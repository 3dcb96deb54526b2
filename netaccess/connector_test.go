package netaccess

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/tcpframe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTCPConnector_FramedRoundTrip(t *testing.T) {
	received := make(chan RawMessage, 1)
	m := newTestManager(t, func(msg RawMessage) { received <- msg })
	defer m.Stop()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	peer, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer peer.Close()

	serverConn := <-accepted
	local := addr.FromTCPAddr(serverConn.LocalAddr().(*net.TCPAddr))
	remote := addr.FromTCPAddr(serverConn.RemoteAddr().(*net.TCPAddr))

	c := NewTCPConnector(serverConn, local, remote, zerolog.Nop(), m.Dispatch, func(error) {})
	m.AddSocket(c, local, &remote)

	payload := []byte("framed stun bytes")
	framedPeer := tcpframe.New(peer)
	if err := framedPeer.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case msg := <-received:
		if !bytes.Equal(msg.Bytes, payload) {
			t.Fatalf("received %q, want %q", msg.Bytes, payload)
		}
		if !msg.Local.Equal(local) || !msg.Remote.Equal(remote) {
			t.Fatal("RawMessage addresses do not match the connector's endpoints")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("framed payload never dispatched")
	}

	// Outbound: Send through the manager reaches the peer as one frame.
	if err := m.Send(payload, local, remote); err != nil {
		t.Fatalf("Send: %v", err)
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := framedPeer.ReadFrame()
	if err != nil {
		t.Fatalf("peer ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("peer received %q, want %q", got, payload)
	}
}

func TestConnector_FatalErrorEvictsFromManager(t *testing.T) {
	m := newTestManager(t, nil)
	defer m.Stop()

	pc, local := udpLoopback(t)
	c := NewUDPConnector(pc, local, nil, zerolog.Nop(), m.Dispatch,
		func(err error) { m.OnFatal(local, nil, err) })
	m.AddSocket(c, local, nil)

	// Close the socket out from under the reader: not a local Stop, so the
	// reader must report fatal and the manager must evict the entry.
	pc.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.udpMu.Lock()
		n := len(m.udp)
		m.udpMu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connector not evicted after fatal receive error")
}
