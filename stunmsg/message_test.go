package stunmsg

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestTypeFieldRoundTrip(t *testing.T) {
	for _, class := range []Class{ClassRequest, ClassIndication, ClassSuccessResponse, ClassErrorResponse} {
		for _, method := range []Method{MethodBinding, 0x0003, 0x0101} {
			v := typeField(class, method)
			if v&0xC000 != 0 {
				t.Fatalf("typeField(%v, %#x) has top bits set: %#x", class, method, v)
			}
			gotClass, gotMethod := splitTypeField(v)
			if gotClass != class || gotMethod != method {
				t.Fatalf("splitTypeField(typeField(%v, %#x)) = (%v, %#x)", class, method, gotClass, gotMethod)
			}
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Class:         ClassRequest,
		Method:        MethodBinding,
		TransactionID: GenerateID(12),
		Attributes: []Attribute{
			{Type: AttrUsername, Value: []byte("alice")},
			{Type: AttrRealm, Value: []byte("example.org")},
		},
	}
	raw := msg.Encode()

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Class != msg.Class || got.Method != msg.Method {
		t.Fatalf("class/method = %v/%#x, want %v/%#x", got.Class, got.Method, msg.Class, msg.Method)
	}
	if !bytes.Equal(got.TransactionID, msg.TransactionID) {
		t.Fatal("transaction id mismatch after round trip")
	}
	if got.Legacy {
		t.Fatal("RFC 5389 message decoded as legacy")
	}
	if len(got.Attributes) != 2 {
		t.Fatalf("attributes = %d, want 2", len(got.Attributes))
	}
	user, ok := got.Attr(AttrUsername)
	if !ok || string(user.Value) != "alice" {
		t.Fatalf("USERNAME = %q, want alice", user.Value)
	}
	// Attribute padding: "alice" is 5 bytes, padded to 8 on the wire; the
	// decoded value must be unpadded.
	if len(user.Value) != 5 {
		t.Fatalf("USERNAME length = %d, want 5 (padding must not leak)", len(user.Value))
	}
}

func TestDecodeLegacyTransactionID(t *testing.T) {
	msg := &Message{
		Class:         ClassRequest,
		Method:        MethodBinding,
		TransactionID: GenerateID(16),
		Legacy:        true,
	}
	got, err := Decode(msg.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Legacy {
		t.Fatal("16-byte id without magic cookie not flagged legacy")
	}
	if len(got.TransactionID) != 16 {
		t.Fatalf("transaction id length = %d, want 16", len(got.TransactionID))
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short header", make([]byte, 10)},
		{"top bits set", append([]byte{0xC0, 0x01}, make([]byte, 18)...)},
		{"length exceeds buffer", func() []byte {
			b := make([]byte, 20)
			binary.BigEndian.PutUint32(b[4:8], MagicCookie)
			binary.BigEndian.PutUint16(b[2:4], 100)
			return b
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.raw); err == nil {
				t.Fatal("Decode accepted malformed input")
			}
		})
	}
}

func TestIntegrityRoundTrip(t *testing.T) {
	key := []byte("fragile-password")
	msg := &Message{
		Class:         ClassRequest,
		Method:        MethodBinding,
		TransactionID: GenerateID(12),
		Attributes: []Attribute{
			{Type: AttrUsername, Value: []byte("alice")},
		},
	}
	wire := msg.EncodeWithIntegrity(key)

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	attr, ok := decoded.Attr(AttrMessageIntegrity)
	if !ok {
		t.Fatal("MESSAGE-INTEGRITY missing after round trip")
	}
	if !VerifyIntegrity(decoded.Raw, attr, key) {
		t.Fatal("recompute-and-verify failed on a well-formed authenticated request")
	}
	if VerifyIntegrity(decoded.Raw, attr, []byte("wrong")) {
		t.Fatal("verification succeeded with the wrong key")
	}

	// Flipping any payload byte before the attribute must break the MAC.
	tampered := append([]byte(nil), wire...)
	tampered[21] ^= 0xFF
	decodedTampered, err := Decode(tampered)
	if err != nil {
		t.Fatalf("Decode(tampered): %v", err)
	}
	attr, _ = decodedTampered.Attr(AttrMessageIntegrity)
	if VerifyIntegrity(decodedTampered.Raw, attr, key) {
		t.Fatal("verification succeeded on tampered bytes")
	}
}

func TestGenerateID(t *testing.T) {
	for _, length := range []int{12, 16} {
		id := GenerateID(length)
		if len(id) != length {
			t.Fatalf("GenerateID(%d) length = %d", length, len(id))
		}
	}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := string(GenerateID(12))
		if seen[id] {
			t.Fatal("duplicate transaction id within 1000 generations")
		}
		seen[id] = true
	}
}

func TestShortTermUser(t *testing.T) {
	if got := ShortTermUser("alice:realm:extra"); got != "alice" {
		t.Fatalf("ShortTermUser = %q, want alice", got)
	}
	if got := ShortTermUser("bob"); got != "bob" {
		t.Fatalf("ShortTermUser = %q, want bob", got)
	}
}

func TestIsComprehensionRequired(t *testing.T) {
	if !AttrType(0x7FFF).IsComprehensionRequired() {
		t.Error("0x7FFF must be comprehension-required")
	}
	if AttrType(0x8000).IsComprehensionRequired() {
		t.Error("0x8000 must be comprehension-optional")
	}
}
