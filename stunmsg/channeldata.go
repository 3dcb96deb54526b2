package stunmsg

import (
	"encoding/binary"

	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// ChannelData is the RFC 5766 framing that wraps datagram payloads in a
// 4-byte header (channel number, length). On stream transports the frame is
// padded to a 4-byte boundary; over UDP it is not.
type ChannelData struct {
	Number uint16
	Data   []byte
}

const channelDataHeaderLen = 4

// minChannelNumber..maxChannelNumber is the valid TURN channel range
// (RFC 5766 §11); numbers outside it collide with the STUN message space.
const (
	minChannelNumber = 0x4000
	maxChannelNumber = 0x7FFF
)

// IsChannelData reports whether b opens with a channel number, i.e. the
// first two bits are 01.
func IsChannelData(b []byte) bool {
	return len(b) >= channelDataHeaderLen && b[0]&0xC0 == 0x40
}

// EncodeChannelData serializes cd. streamOriented pads the frame to a
// 4-byte boundary for TCP/TLS carriage.
func (cd *ChannelData) EncodeChannelData(streamOriented bool) ([]byte, error) {
	if cd.Number < minChannelNumber || cd.Number > maxChannelNumber {
		return nil, &xerrors.ValidationError{Field: "channel number", Value: cd.Number, Message: "outside the 0x4000-0x7FFF range"}
	}
	total := channelDataHeaderLen + len(cd.Data)
	if streamOriented {
		total += (4 - len(cd.Data)%4) % 4
	}
	out := make([]byte, total)
	binary.BigEndian.PutUint16(out[0:2], cd.Number)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(cd.Data)))
	copy(out[channelDataHeaderLen:], cd.Data)
	return out, nil
}

// DecodeChannelData parses a ChannelData frame. Trailing padding beyond the
// declared length is tolerated (stream transports), missing payload bytes
// are not.
func DecodeChannelData(raw []byte) (*ChannelData, error) {
	if len(raw) < channelDataHeaderLen {
		return nil, xerrors.New(xerrors.BadRequest, "channel data shorter than header")
	}
	number := binary.BigEndian.Uint16(raw[0:2])
	if number < minChannelNumber || number > maxChannelNumber {
		return nil, xerrors.New(xerrors.BadRequest, "channel number outside the 0x4000-0x7FFF range")
	}
	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if channelDataHeaderLen+length > len(raw) {
		return nil, xerrors.New(xerrors.BadRequest, "channel data length exceeds buffer")
	}
	return &ChannelData{
		Number: number,
		Data:   append([]byte(nil), raw[channelDataHeaderLen:channelDataHeaderLen+length]...),
	}, nil
}
