package xerrors

import (
	"errors"
	"testing"
)

func TestKindStunCode(t *testing.T) {
	wire := map[Kind]int{
		BadRequest:       400,
		Unauthorized:     401,
		UnknownAttribute: 420,
		ServerError:      500,
	}
	for kind, want := range wire {
		code, ok := kind.StunCode()
		if !ok || code != want {
			t.Errorf("%v.StunCode() = %d, %v; want %d, true", kind, code, ok, want)
		}
	}
	for _, kind := range []Kind{TransactionAlreadyAnswered, TransactionDoesNotExist, NoRoute, Timeout, Closed, Io} {
		if _, ok := kind.StunCode(); ok {
			t.Errorf("%v.StunCode() reported a wire code", kind)
		}
	}
}

func TestNetworkErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &NetworkError{Operation: "udp receive", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("NetworkError does not unwrap to its cause")
	}
}
