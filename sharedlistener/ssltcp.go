package sharedlistener

// GoogleTurnSSLTCPHandshake is the fixed pseudo-SSL client handshake a
// Google TURN SSLTCP client sends as its first bytes. It deliberately looks
// like an SSLv2 hello, so the SSLv2 classifier must recognize and refuse it
// by exact prefix match; connections opening with it belong to the TURN
// subsystem's SSLTCP harvester, not to any web endpoint.
var GoogleTurnSSLTCPHandshake = []byte{
	0x80, 0x46, 0x01, 0x03, 0x01, 0x00, 0x2d, 0x00, 0x00, 0x00, 0x10,
	0x01, 0x00, 0x80, 0x03, 0x00, 0x80, 0x07, 0x00, 0xc0, 0x06, 0x00,
	0x40, 0x02, 0x00, 0x80, 0x04, 0x00, 0x80, 0x00, 0x00, 0x04, 0x00,
	0xfe, 0xff, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x16, 0x00, 0x00, 0x13,
	0x00, 0x00, 0x66, 0x00, 0x00, 0x07, 0x00, 0xc0, 0x00, 0x00, 0x05,
	0x00, 0x00, 0x04, 0x01, 0x00, 0x80, 0x08, 0x00, 0x80, 0x00, 0x00,
	0x65, 0x00, 0x00, 0x64, 0x00, 0x00, 0x63, 0x00, 0x00, 0x62, 0x00,
	0x00, 0x61, 0x00, 0x00, 0x60, 0x00, 0x00, 0x15, 0x00, 0x00, 0x12,
	0x00, 0x00, 0x09, 0x00, 0x00, 0x08, 0x00, 0x00, 0x14, 0x00, 0x00,
	0x11, 0x00, 0x00, 0x08, 0x00, 0x00, 0x06, 0x00, 0x40, 0x00, 0x00,
	0x04, 0x00, 0x80, 0x00, 0x00, 0x02,
}
