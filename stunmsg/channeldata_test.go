package stunmsg

import (
	"bytes"
	"testing"
)

func TestChannelData_UDPUnpadded(t *testing.T) {
	cd := &ChannelData{Number: 0x4001, Data: []byte("abc")}
	wire, err := cd.EncodeChannelData(false)
	if err != nil {
		t.Fatalf("EncodeChannelData: %v", err)
	}
	if len(wire) != 7 {
		t.Fatalf("UDP frame length = %d, want 7 (no padding)", len(wire))
	}

	got, err := DecodeChannelData(wire)
	if err != nil {
		t.Fatalf("DecodeChannelData: %v", err)
	}
	if got.Number != 0x4001 || !bytes.Equal(got.Data, []byte("abc")) {
		t.Fatalf("round trip = %#x/%q", got.Number, got.Data)
	}
}

func TestChannelData_StreamPadded(t *testing.T) {
	cd := &ChannelData{Number: 0x7FFF, Data: []byte("abc")}
	wire, err := cd.EncodeChannelData(true)
	if err != nil {
		t.Fatalf("EncodeChannelData: %v", err)
	}
	if len(wire) != 8 {
		t.Fatalf("stream frame length = %d, want 8 (padded to 4)", len(wire))
	}

	// Padding beyond the declared length must not leak into the payload.
	got, err := DecodeChannelData(wire)
	if err != nil {
		t.Fatalf("DecodeChannelData: %v", err)
	}
	if len(got.Data) != 3 {
		t.Fatalf("payload length = %d, want 3", len(got.Data))
	}
}

func TestChannelData_InvalidNumbers(t *testing.T) {
	for _, n := range []uint16{0x0000, 0x3FFF, 0x8000} {
		cd := &ChannelData{Number: n, Data: []byte("x")}
		if _, err := cd.EncodeChannelData(false); err == nil {
			t.Errorf("EncodeChannelData accepted channel %#x", n)
		}
	}
	if _, err := DecodeChannelData([]byte{0x00, 0x01, 0x00, 0x00}); err == nil {
		t.Error("DecodeChannelData accepted a STUN-range first byte")
	}
}

func TestChannelData_TruncatedPayload(t *testing.T) {
	// Header declares 10 bytes, only 2 present.
	raw := []byte{0x40, 0x01, 0x00, 0x0A, 1, 2}
	if _, err := DecodeChannelData(raw); err == nil {
		t.Fatal("DecodeChannelData accepted a truncated frame")
	}
}

func TestIsChannelData(t *testing.T) {
	if !IsChannelData([]byte{0x40, 0, 0, 0}) {
		t.Error("first bits 01 not recognized as channel data")
	}
	if IsChannelData([]byte{0x00, 0, 0, 0}) {
		t.Error("STUN-range first byte recognized as channel data")
	}
	if IsChannelData([]byte{0x40, 0}) {
		t.Error("2-byte buffer recognized as channel data")
	}
}
