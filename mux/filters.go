package mux

import "github.com/kanzi-net/stuncore/stunmsg"

// Filter decides whether a received datagram belongs to a particular
// logical view. Implementations must be comparable values (plain structs):
// OpenView deduplicates views by filter equality.
type Filter interface {
	Accept(b []byte) bool
}

// StunFilter accepts STUN messages: the top two bits of the first byte are
// zero (RFC 5389 §6) and the datagram is at least a header long.
type StunFilter struct{}

func (StunFilter) Accept(b []byte) bool {
	return len(b) >= 20 && b[0]&0xC0 == 0
}

// DTLSFilter accepts DTLS records: first byte strictly between 19 and 64
// (RFC 5764 §5.1.2 demultiplexing).
type DTLSFilter struct{}

func (DTLSFilter) Accept(b []byte) bool {
	return len(b) > 0 && b[0] > 19 && b[0] < 64
}

// RTCPFilter accepts RTCP packets: at least 4 bytes, version bits (6-7 of
// the first byte) equal to 2, and a payload type in the RTCP range
// [200, 211].
type RTCPFilter struct{}

func (RTCPFilter) Accept(b []byte) bool {
	return len(b) >= 4 && b[0]>>6 == 2 && b[1] >= 200 && b[1] <= 211
}

// ChannelDataFilter accepts RFC 5766 ChannelData frames: the first two
// bits are 01, putting the first byte in the TURN channel range and outside
// the STUN message space.
type ChannelDataFilter struct{}

func (ChannelDataFilter) Accept(b []byte) bool {
	return stunmsg.IsChannelData(b)
}

// FirstByteFilter accepts datagrams whose first byte equals Value; useful
// for tests and for protocol splits keyed on a single discriminator byte.
type FirstByteFilter struct {
	Value byte
}

func (f FirstByteFilter) Accept(b []byte) bool {
	return len(b) > 0 && b[0] == f.Value
}
