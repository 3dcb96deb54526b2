// Package stunmsg implements the STUN wire format (RFC 5389, with RFC 3489
// back-compatibility) needed by the Transaction Engine and STUN Stack: a
// 20-byte header, TLV attributes padded to a 4-byte boundary, and the
// MESSAGE-INTEGRITY HMAC-SHA1 recomputation over a reconstructed prefix of
// the original bytes.
package stunmsg

import (
	"encoding/binary"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// MagicCookie is the fixed RFC 5389 cookie occupying bytes 4-7 of the header.
const MagicCookie uint32 = 0x2112A442

const (
	headerLen      = 20
	attrHeaderLen  = 4
	shortTermIDLen = 12 // RFC 5389 transaction id length
	legacyIDLen    = 16 // RFC 3489 transaction id length (no magic cookie slot)
)

// Class is the STUN message class (RFC 5389 §5).
type Class uint8

const (
	ClassRequest Class = iota
	ClassIndication
	ClassSuccessResponse
	ClassErrorResponse
)

// Method is the STUN message method, e.g. Binding (RFC 5389 §18.1).
type Method uint16

const (
	MethodBinding Method = 0x0001
)

// AttrType is a STUN attribute type (RFC 5389 §15).
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorMappedAddress  AttrType = 0x0020
)

// unknownOptionalThreshold: attribute types at or above this value are
// comprehension-optional (RFC 5389 §15); below it, comprehension-required.
const unknownOptionalThreshold = 0x8000

// IsComprehensionRequired reports whether an unrecognized attribute of this
// type must cause a 420 Unknown Attribute response.
func (t AttrType) IsComprehensionRequired() bool {
	return uint16(t) < unknownOptionalThreshold
}

// Attribute is a decoded TLV attribute. Offset/end record the attribute's
// byte span (header + value, unpadded) within the containing message's raw
// bytes, so MESSAGE-INTEGRITY verification can recover the prefix that
// preceded it on the wire.
type Attribute struct {
	Type   AttrType
	Value  []byte
	Offset int // offset of the attribute's 4-byte TLV header within Raw
	End    int // offset just past Value, before padding
}

// Message is a decoded STUN message.
type Message struct {
	Class         Class
	Method        Method
	TransactionID []byte // 12 bytes (RFC 5389) or 16 bytes (RFC 3489, legacy)
	Legacy        bool   // RFC 3489 16-byte transaction id, no magic cookie
	Attributes    []Attribute
	Raw           []byte // the decoded bytes, retained so attribute offsets remain valid
}

// typeField packs class+method into the 16-bit STUN message type per RFC
// 5389 §6: class bits are interleaved with method bits (M11..M7, C1, M6..M4,
// C0, M3..M0).
func typeField(class Class, method Method) uint16 {
	m := uint16(method)
	c := uint16(class)
	c0 := c & 0x1
	c1 := (c >> 1) & 0x1
	return (m & 0x0F) | (c0 << 4) | ((m & 0x70) << 1) | (c1 << 8) | ((m & 0x0F80) << 2)
}

func splitTypeField(v uint16) (Class, Method) {
	c0 := (v >> 4) & 0x1
	c1 := (v >> 8) & 0x1
	class := Class((c1 << 1) | c0)
	method := Method((v & 0x000F) | ((v >> 1) & 0x0070) | ((v >> 2) & 0x0F80))
	return class, method
}

// Encode serializes the message to wire format, writing the length field
// over the attribute bytes that follow the 20-byte header.
func (m *Message) Encode() []byte {
	body := make([]byte, 0, 64)
	for _, a := range m.Attributes {
		body = appendAttr(body, a.Type, a.Value)
	}

	idLen := shortTermIDLen
	if m.Legacy {
		idLen = legacyIDLen
	}
	out := make([]byte, headerLen-shortTermIDLen+idLen+len(body))
	binary.BigEndian.PutUint16(out[0:2], typeField(m.Class, m.Method))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	pos := 4
	if !m.Legacy {
		binary.BigEndian.PutUint32(out[4:8], MagicCookie)
		pos = 8
	}
	copy(out[pos:pos+idLen], m.TransactionID)
	copy(out[pos+idLen:], body)
	return out
}

func appendAttr(body []byte, t AttrType, value []byte) []byte {
	hdr := make([]byte, attrHeaderLen)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	body = append(body, hdr...)
	body = append(body, value...)
	if pad := (4 - len(value)%4) % 4; pad > 0 {
		body = append(body, make([]byte, pad)...)
	}
	return body
}

// Decode parses a STUN message from raw wire bytes. A 16-byte transaction id
// (RFC 3489, no recognizable magic cookie) is accepted for back-compat.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < headerLen {
		return nil, xerrors.New(xerrors.BadRequest, "message shorter than STUN header")
	}
	typeV := binary.BigEndian.Uint16(raw[0:2])
	if typeV&0xC000 != 0 {
		return nil, xerrors.New(xerrors.BadRequest, "top two type bits must be zero")
	}
	length := binary.BigEndian.Uint16(raw[2:4])
	cookie := binary.BigEndian.Uint32(raw[4:8])

	class, method := splitTypeField(typeV)

	legacy := cookie != MagicCookie
	idLen := shortTermIDLen
	pos := 8
	if legacy {
		idLen = legacyIDLen
		pos = 4
	}
	if len(raw) < pos+idLen {
		return nil, xerrors.New(xerrors.BadRequest, "truncated transaction id")
	}
	txID := append([]byte(nil), raw[pos:pos+idLen]...)
	bodyStart := pos + idLen

	if bodyStart+int(length) > len(raw) {
		return nil, xerrors.New(xerrors.BadRequest, "length field exceeds buffer")
	}

	msg := &Message{
		Class:         class,
		Method:        method,
		TransactionID: txID,
		Legacy:        legacy,
		Raw:           raw,
	}

	off := bodyStart
	end := bodyStart + int(length)
	for off+attrHeaderLen <= end {
		at := AttrType(binary.BigEndian.Uint16(raw[off : off+2]))
		alen := int(binary.BigEndian.Uint16(raw[off+2 : off+4]))
		valStart := off + attrHeaderLen
		valEnd := valStart + alen
		if valEnd > end {
			return nil, xerrors.New(xerrors.BadRequest, "attribute length exceeds message")
		}
		msg.Attributes = append(msg.Attributes, Attribute{
			Type:   at,
			Value:  raw[valStart:valEnd],
			Offset: off,
			End:    valEnd,
		})
		pad := (4 - alen%4) % 4
		off = valEnd + pad
	}

	return msg, nil
}

// Attr returns the first attribute of the given type, if present.
func (m *Message) Attr(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// IsResponse reports whether the message is a success or error response.
func (m *Message) IsResponse() bool {
	return m.Class == ClassSuccessResponse || m.Class == ClassErrorResponse
}
