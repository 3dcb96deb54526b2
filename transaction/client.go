package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/stunmsg"
)

// Client transaction states and triggers: Sending ->
// Retransmitting -> {ResponseReceived, TimedOut, Cancelled}.
const (
	clientStateSending        = "sending"
	clientStateRetransmitting = "retransmitting"
	clientStateResponseRecv   = "response-received"
	clientStateTimedOut       = "timed-out"
	clientStateCancelled      = "cancelled"

	triggerRetransmit = "retransmit"
	triggerResponse   = "response"
	triggerTimeout    = "timeout"
	triggerCancel     = "cancel"
)

// ClientCollector receives the outcome of one client transaction. Exactly
// one of ProcessResponse/ProcessTimeout fires, exactly once, unless the
// transaction is cancelled first.
type ClientCollector interface {
	ProcessResponse(resp *stunmsg.Message)
	ProcessTimeout()
}

// SendFunc transmits an encoded STUN message to dst. Supplied by the Engine,
// ultimately backed by netaccess.Manager.Send.
type SendFunc func(b []byte, dst addr.TransportAddress) error

// ClientTransaction is a retransmitting sender for one STUN request,
// exclusively owned by the Engine while live.
type ClientTransaction struct {
	ID         []byte
	Correlator stunmsg.Correlator
	Request    *stunmsg.Message
	Local      addr.TransportAddress
	Remote     addr.TransportAddress

	collector ClientCollector
	send      SendFunc
	log       zerolog.Logger
	cfg       config

	sm *stateless.StateMachine

	mu        sync.Mutex
	attempt   int
	timer     *time.Timer
	fired     bool // collector has already been invoked (response or timeout)
	onDone    func(id []byte) // removes this transaction from the Engine's index
}

// newClientTransaction builds and starts a ClientTransaction: it sends the
// first request immediately and schedules the first retransmit.
func newClientTransaction(id []byte, req *stunmsg.Message, local, remote addr.TransportAddress, collector ClientCollector, send SendFunc, log zerolog.Logger, cfg config, onDone func(id []byte)) *ClientTransaction {
	ct := &ClientTransaction{
		ID:         id,
		Correlator: stunmsg.NewCorrelator(),
		Request:    req,
		Local:      local,
		Remote:     remote,
		collector:  collector,
		send:       send,
		log:        log.With().Str("component", "transaction.ClientTransaction").Logger(),
		cfg:        cfg,
		onDone:     onDone,
	}
	ct.sm = buildClientStateMachine()
	return ct
}

func buildClientStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(clientStateSending)
	sm.Configure(clientStateSending).
		Permit(triggerRetransmit, clientStateRetransmitting).
		Permit(triggerResponse, clientStateResponseRecv).
		Permit(triggerTimeout, clientStateTimedOut).
		Permit(triggerCancel, clientStateCancelled)
	sm.Configure(clientStateRetransmitting).
		PermitReentry(triggerRetransmit).
		Permit(triggerResponse, clientStateResponseRecv).
		Permit(triggerTimeout, clientStateTimedOut).
		Permit(triggerCancel, clientStateCancelled)
	sm.Configure(clientStateResponseRecv)
	sm.Configure(clientStateTimedOut)
	sm.Configure(clientStateCancelled)
	return sm
}

// Start sends the initial request and arms the retransmit schedule: the
// delay before retransmit k (1-indexed) is min(firstRetransmit * 2^(k-1),
// maxRetransmitTimer), for k up to maxRetransmissions; after the last
// retransmit, two further cap-length waits elapse before timeout is
// declared. With defaults that is sends at 0, 100, 300, 700, 1500, 3100,
// 4700ms and timeout at 7900ms (4700 + 1600 + 1600).
func (ct *ClientTransaction) Start() {
	ct.sendOnce()
	ct.scheduleNext(time.Duration(ct.cfg.firstRetransmit) * time.Millisecond)
}

func (ct *ClientTransaction) sendOnce() {
	if err := ct.send(ct.Request.Encode(), ct.Remote); err != nil {
		// Send errors inside retransmits do not end the transaction; the
		// request may still succeed on a later retransmit.
		ct.log.Warn().Err(err).Msg("client transaction send failed, will retry on next retransmit")
	}
}

func (ct *ClientTransaction) scheduleNext(after time.Duration) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.fired {
		return
	}
	ct.timer = time.AfterFunc(after, ct.onTimerFire)
}

func (ct *ClientTransaction) capMillis() int { return ct.cfg.maxRetransmitTimer }

// onTimerFire advances through three regimes: the retransmit attempts
// (1..maxRetransmissions), two final cap-length waits with no send, and
// then timeout.
func (ct *ClientTransaction) onTimerFire() {
	ct.mu.Lock()
	if ct.fired {
		ct.mu.Unlock()
		return
	}
	ct.attempt++
	attempt := ct.attempt
	ct.mu.Unlock()

	max := ct.cfg.maxRetransmissions
	switch {
	case attempt <= max:
		_ = ct.sm.Fire(triggerRetransmit)
		ct.sendOnce()
		delay := ct.cfg.firstRetransmit << uint(attempt)
		if delay > ct.capMillis() || delay <= 0 {
			delay = ct.capMillis()
		}
		ct.scheduleNext(time.Duration(delay) * time.Millisecond)
	case attempt == max+1:
		// first post-retransmit wait; no send, no state transition yet.
		ct.scheduleNext(time.Duration(ct.capMillis()) * time.Millisecond)
	default:
		ct.declareTimeout()
	}
}

func (ct *ClientTransaction) declareTimeout() {
	ct.mu.Lock()
	if ct.fired {
		ct.mu.Unlock()
		return
	}
	ct.fired = true
	ct.mu.Unlock()

	_ = ct.sm.Fire(triggerTimeout)
	if ct.onDone != nil {
		ct.onDone(ct.ID)
	}
	ct.collector.ProcessTimeout()
}

// DeliverResponse fires the collector's ProcessResponse exactly once,
// deregistering the transaction and suppressing any pending retransmit.
func (ct *ClientTransaction) DeliverResponse(resp *stunmsg.Message) {
	ct.mu.Lock()
	if ct.fired {
		ct.mu.Unlock()
		return
	}
	ct.fired = true
	if ct.timer != nil {
		ct.timer.Stop()
	}
	ct.mu.Unlock()

	_ = ct.sm.Fire(triggerResponse)
	if ct.onDone != nil {
		ct.onDone(ct.ID)
	}
	ct.collector.ProcessResponse(resp)
}

// Cancel suppresses further retransmission and timeout delivery without
// waking the collector. Once Cancel returns, no
// further send/ProcessResponse/ProcessTimeout tied to this transaction will
// execute.
func (ct *ClientTransaction) Cancel() {
	ct.mu.Lock()
	if ct.fired {
		ct.mu.Unlock()
		return
	}
	ct.fired = true
	if ct.timer != nil {
		ct.timer.Stop()
	}
	ct.mu.Unlock()

	_ = ct.sm.Fire(triggerCancel)
	if ct.onDone != nil {
		ct.onDone(ct.ID)
	}
}

// State returns the current state machine state, mostly for tests.
func (ct *ClientTransaction) State() string {
	s, _ := ct.sm.State(context.Background())
	st, _ := s.(string)
	return st
}
