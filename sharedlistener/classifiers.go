// Package sharedlistener lets several logical server endpoints share one
// physical TCP listening socket: each accepted connection's first bytes are
// inspected and the connection is routed to the first endpoint whose
// classifier accepts it. Connections that fail to deliver enough bytes to
// classify within the abandonment timeout are closed.
package sharedlistener

import "bytes"

// Verdict is a classifier's tri-state answer for the bytes seen so far.
type Verdict int

const (
	// Reject: the connection can never match this classifier.
	Reject Verdict = iota
	// Accept: the bytes seen so far conclusively match.
	Accept
	// NeedMoreData: the prefix is consistent but too short to decide.
	NeedMoreData
)

// Classifier inspects the first bytes of an accepted connection.
type Classifier interface {
	Classify(b []byte) Verdict
}

// httpMethods is the fixed method set the HTTP classifier recognizes; the
// token must be followed by a space and match byte-for-byte.
var httpMethods = []string{
	"CONNECT", "DELETE", "GET", "HEAD", "MOVE", "OPTIONS",
	"PATCH", "POST", "PRI", "PROXY", "PUT", "TRACE",
}

// HTTPClassifier accepts connections opening with a known HTTP method
// token followed by a space.
type HTTPClassifier struct{}

func (HTTPClassifier) Classify(b []byte) Verdict {
	if len(b) == 0 {
		return NeedMoreData
	}
	undecided := false
	for _, method := range httpMethods {
		switch matchToken(b, method) {
		case Accept:
			return Accept
		case NeedMoreData:
			undecided = true
		}
	}
	if undecided {
		return NeedMoreData
	}
	return Reject
}

// matchToken checks b against method plus a trailing space: "GET/index"
// (no space at the token's length position) does not match.
func matchToken(b []byte, method string) Verdict {
	want := method + " "
	n := len(b)
	if n > len(want) {
		n = len(want)
	}
	if string(b[:n]) != want[:n] {
		return Reject
	}
	if len(b) < len(want) {
		return NeedMoreData
	}
	return Accept
}

// TLSClassifier accepts TLS ClientHello records: first byte 22, record
// version major 3 with minor in {1,2,3}, handshake type 1, and the hello
// version at bytes 9-10 major 3, minor in {1,2,3}. A ClientHello carrying
// minor version 0 (SSLv3) is rejected.
type TLSClassifier struct{}

func (TLSClassifier) Classify(b []byte) Verdict {
	checks := []struct {
		pos int
		ok  func(byte) bool
	}{
		{0, func(v byte) bool { return v == 22 }},
		{1, func(v byte) bool { return v == 3 }},
		{2, func(v byte) bool { return v >= 1 && v <= 3 }},
		{5, func(v byte) bool { return v == 1 }},
		{9, func(v byte) bool { return v == 3 }},
		{10, func(v byte) bool { return v >= 1 && v <= 3 }},
	}
	for _, c := range checks {
		if c.pos >= len(b) {
			return NeedMoreData
		}
		if !c.ok(b[c.pos]) {
			return Reject
		}
	}
	return Accept
}

// SSLv2Classifier accepts SSLv2-framed client hellos (first byte has the
// high bit set, msg_type 1, version 3.{1,2,3}), except the Google TURN
// SSLTCP pseudo-handshake, which matches those version bytes but belongs to
// the TURN subsystem and is rejected here byte-for-byte.
type SSLv2Classifier struct{}

func (SSLv2Classifier) Classify(b []byte) Verdict {
	if len(b) == 0 {
		return NeedMoreData
	}
	if b[0]&0x80 == 0 {
		return Reject
	}

	// While b is still a strict prefix of the SSLTCP handshake the two
	// cases are indistinguishable; once it matches fully, reject.
	if len(b) < len(GoogleTurnSSLTCPHandshake) {
		if bytes.Equal(b, GoogleTurnSSLTCPHandshake[:len(b)]) {
			return NeedMoreData
		}
	} else if bytes.Equal(b[:len(GoogleTurnSSLTCPHandshake)], GoogleTurnSSLTCPHandshake) {
		return Reject
	}

	if len(b) < 6 {
		return NeedMoreData
	}
	if b[2] != 1 || b[3] != 3 || b[4] < 1 || b[4] > 3 {
		return Reject
	}
	return Accept
}

// WebClassifier is the combined HTTP/SSLv2/TLS classifier: the first byte
// picks the candidate protocol (22 means TLS, above 0x80 means SSLv2,
// anything else HTTP) and the candidate's own rules then apply.
type WebClassifier struct{}

func (WebClassifier) Classify(b []byte) Verdict {
	if len(b) == 0 {
		return NeedMoreData
	}
	switch {
	case b[0] == 22:
		return TLSClassifier{}.Classify(b)
	case b[0] > 0x80:
		return SSLv2Classifier{}.Classify(b)
	default:
		return HTTPClassifier{}.Classify(b)
	}
}
