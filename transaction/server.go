package transaction

import (
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// serverLifetime bounds how long a ServerTransaction is reachable by its
// id: 16 seconds from first receipt.
const serverLifetime = 16 * time.Second

const (
	serverStateActive  = "active"
	serverStateExpired = "expired"
)

// ServerTransaction exists from the first receipt of a request bearing a
// new transaction id until expiry or explicit removal. It
// stores the first response the application emits so a retransmitted
// request with the same id can be answered without re-invoking the
// request handler.
type ServerTransaction struct {
	ID            []byte
	LocalListen   addr.TransportAddress
	RequestSource addr.TransportAddress
	Started       time.Time

	mu           sync.Mutex
	sm           *stateless.StateMachine
	response     []byte // the encoded bytes of the first response emitted
	answered     bool
	sendTo       addr.TransportAddress // response destination (usually == RequestSource)
	localSending addr.TransportAddress
}

func newServerTransaction(id []byte, local, source addr.TransportAddress, now time.Time) *ServerTransaction {
	st := &ServerTransaction{
		ID:            id,
		LocalListen:   local,
		RequestSource: source,
		Started:       now,
		sendTo:        source,
		localSending:  local,
	}
	st.sm = stateless.NewStateMachine(serverStateActive)
	st.sm.Configure(serverStateActive).Permit("expire", serverStateExpired)
	st.sm.Configure(serverStateExpired)
	return st
}

// Expired reports whether age exceeds serverLifetime as of now.
func (st *ServerTransaction) Expired(now time.Time) bool {
	return now.Sub(st.Started) > serverLifetime
}

// RecordResponse stores the first response emitted for this transaction.
// A second attempt yields xerrors.TransactionAlreadyAnswered.
func (st *ServerTransaction) RecordResponse(encoded []byte, dest addr.TransportAddress) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.answered {
		return xerrors.New(xerrors.TransactionAlreadyAnswered, "server transaction already answered")
	}
	st.answered = true
	st.response = encoded
	st.sendTo = dest
	return nil
}

// StoredResponse returns the previously recorded response and destination,
// if any.
func (st *ServerTransaction) StoredResponse() (resp []byte, dest addr.TransportAddress, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.answered {
		return nil, addr.TransportAddress{}, false
	}
	return st.response, st.sendTo, true
}

func (st *ServerTransaction) markExpired() {
	_ = st.sm.Fire("expire")
}
