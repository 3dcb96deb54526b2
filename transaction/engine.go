// Package transaction implements the STUN transaction engine: retransmitting
// client transactions with RFC 3489/5389 timing, lifetime-bounded server
// transactions that deduplicate retransmitted requests, and the Engine that
// indexes both.
package transaction

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/internal/xerrors"
	"github.com/kanzi-net/stuncore/stunmsg"
)

// Engine owns the client and server transaction tables. The two tables are
// independently synchronized and no lock is held while invoking application
// callbacks.
type Engine struct {
	log  zerolog.Logger
	send SendFunc
	cfg  config

	cmu     sync.Mutex
	clients map[string]*ClientTransaction

	smu     sync.Mutex
	servers map[string]*ServerTransaction
	sweeper *time.Timer

	stopMu  sync.Mutex
	stopped bool
}

// NewEngine builds an Engine sending through send (ultimately
// netaccess.Manager.Send) with the given option overrides.
func NewEngine(log zerolog.Logger, send SendFunc, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Engine{
		log:     log.With().Str("component", "transaction.Engine").Logger(),
		send:    send,
		cfg:     cfg,
		clients: make(map[string]*ClientTransaction),
		servers: make(map[string]*ServerTransaction),
	}
}

// SendRequest creates, indexes and starts a client transaction for req: the
// request goes out immediately and the retransmit schedule is armed. The
// transaction stays in the index until response, timeout or cancel.
func (e *Engine) SendRequest(req *stunmsg.Message, local, remote addr.TransportAddress, collector ClientCollector) *ClientTransaction {
	id := req.TransactionID
	ct := newClientTransaction(id, req, local, remote, collector, e.send, e.log, e.cfg, e.clientDone)

	e.cmu.Lock()
	e.clients[string(id)] = ct
	e.cmu.Unlock()

	ct.Start()
	return ct
}

// clientDone is each ClientTransaction's onDone hook. When the engine keeps
// transactions after a response (KEEP_CRANS_AFTER_A_RESPONSE), removal is
// deferred by one full retransmit-cap interval so late duplicate responses
// still find (and are absorbed by) the finished transaction.
func (e *Engine) clientDone(id []byte) {
	if e.cfg.keepAfterResponse {
		time.AfterFunc(time.Duration(e.cfg.maxRetransmitTimer)*time.Millisecond, func() {
			e.removeClient(id)
		})
		return
	}
	e.removeClient(id)
}

func (e *Engine) removeClient(id []byte) {
	e.cmu.Lock()
	delete(e.clients, string(id))
	e.cmu.Unlock()
}

// Client returns the live client transaction for id, if any.
func (e *Engine) Client(id []byte) (*ClientTransaction, bool) {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	ct, ok := e.clients[string(id)]
	return ct, ok
}

// DeliverResponse routes a decoded response to the matching client
// transaction. It reports false for a phantom response (no live transaction
// with that id), which the Stack drops silently.
func (e *Engine) DeliverResponse(resp *stunmsg.Message) bool {
	e.cmu.Lock()
	ct, ok := e.clients[string(resp.TransactionID)]
	e.cmu.Unlock()
	if !ok {
		return false
	}
	ct.DeliverResponse(resp)
	return true
}

// ServerReceive looks up or creates the server transaction for an incoming
// request. isNew reports whether this id had not been seen (within its
// lifetime) before; an expired entry is treated as absent and replaced.
func (e *Engine) ServerReceive(id []byte, local, source addr.TransportAddress) (st *ServerTransaction, isNew bool) {
	now := time.Now()

	e.smu.Lock()
	defer e.smu.Unlock()

	st, ok := e.servers[string(id)]
	if ok && st.Expired(now) {
		st.markExpired()
		delete(e.servers, string(id))
		ok = false
	}
	if ok {
		return st, false
	}

	st = newServerTransaction(id, local, source, now)
	e.servers[string(id)] = st
	e.scheduleSweepLocked()
	return st, true
}

// Server returns the live, unexpired server transaction for id. Expiry is
// evaluated lazily here as well as by the periodic sweep.
func (e *Engine) Server(id []byte) (*ServerTransaction, bool) {
	now := time.Now()
	e.smu.Lock()
	defer e.smu.Unlock()
	st, ok := e.servers[string(id)]
	if !ok {
		return nil, false
	}
	if st.Expired(now) {
		st.markExpired()
		delete(e.servers, string(id))
		return nil, false
	}
	return st, true
}

// SendServerResponse records encoded as the transaction's first (and only)
// response and writes it to the wire. Responding twice yields
// TransactionAlreadyAnswered; responding after expiry or removal yields
// TransactionDoesNotExist. Neither failure has a wire effect.
func (e *Engine) SendServerResponse(id []byte, encoded []byte, dest addr.TransportAddress) error {
	st, ok := e.Server(id)
	if !ok {
		return xerrors.New(xerrors.TransactionDoesNotExist, "no live server transaction for response")
	}
	if err := st.RecordResponse(encoded, dest); err != nil {
		return err
	}
	return e.send(encoded, dest)
}

// RetransmitStoredResponse re-emits the stored response of st, byte-for-byte
// identical to the first emission.
func (e *Engine) RetransmitStoredResponse(st *ServerTransaction) error {
	resp, dest, ok := st.StoredResponse()
	if !ok {
		return nil // request retransmitted before the application answered; nothing to re-emit yet
	}
	return e.send(resp, dest)
}

// RemoveServer removes the server transaction for id ahead of its expiry.
func (e *Engine) RemoveServer(id []byte) {
	e.smu.Lock()
	delete(e.servers, string(id))
	e.smu.Unlock()
}

// scheduleSweepLocked arms the expiry sweeper if it is not already running.
// Cadence equals the transaction lifetime; the sweeper self-cancels when the
// table empties and is re-armed by the next insertion.
func (e *Engine) scheduleSweepLocked() {
	if e.sweeper != nil {
		return
	}
	e.sweeper = time.AfterFunc(serverLifetime, e.sweep)
}

func (e *Engine) sweep() {
	now := time.Now()

	e.smu.Lock()
	for key, st := range e.servers {
		if st.Expired(now) {
			st.markExpired()
			delete(e.servers, key)
		}
	}
	remaining := len(e.servers)
	if remaining == 0 {
		e.sweeper = nil
	} else {
		e.sweeper.Reset(serverLifetime)
	}
	e.smu.Unlock()

	e.log.Debug().Int("remaining", remaining).Msg("server transaction sweep completed")
}

// Stop cancels every live client transaction and discards both tables. The
// cancellation guarantee applies per transaction: once each Cancel returns,
// no further send or collector callback tied to it will execute.
func (e *Engine) Stop() {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	e.stopMu.Unlock()

	e.cmu.Lock()
	clients := make([]*ClientTransaction, 0, len(e.clients))
	for _, ct := range e.clients {
		clients = append(clients, ct)
	}
	e.clients = make(map[string]*ClientTransaction)
	e.cmu.Unlock()

	for _, ct := range clients {
		ct.Cancel()
	}

	e.smu.Lock()
	if e.sweeper != nil {
		e.sweeper.Stop()
		e.sweeper = nil
	}
	e.servers = make(map[string]*ServerTransaction)
	e.smu.Unlock()
}
