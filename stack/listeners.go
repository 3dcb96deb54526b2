package stack

import (
	"sync"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/stunmsg"
)

// Event carries one decoded inbound message to a listener together with the
// (local, remote) pair it arrived on.
type Event struct {
	Message *stunmsg.Message
	Local   addr.TransportAddress
	Remote  addr.TransportAddress
}

// RequestHandler processes one incoming request. Returning a
// *xerrors.StunError turns into the corresponding STUN error response; any
// other non-nil error (or a panic) turns into 500 Server Error.
type RequestHandler func(ev *Event) error

// IndicationHandler processes one incoming indication. Indications carry no
// transaction, so there is nothing to return.
type IndicationHandler func(ev *Event)

// registries holds the per-address and global dispatch tables. Snapshot
// copies are taken under the lock and handlers run outside it.
type registries struct {
	mu             sync.Mutex
	requests       map[string][]RequestHandler
	globalRequests []RequestHandler
	indications    map[string][]IndicationHandler
	oldIndications map[string][]IndicationHandler // legacy RFC 3489 peers
}

func newRegistries() *registries {
	return &registries{
		requests:       make(map[string][]RequestHandler),
		indications:    make(map[string][]IndicationHandler),
		oldIndications: make(map[string][]IndicationHandler),
	}
}

// AddRequestListener registers h for requests arriving at local.
func (s *Stack) AddRequestListener(local addr.TransportAddress, h RequestHandler) {
	s.listeners.mu.Lock()
	s.listeners.requests[local.Key()] = append(s.listeners.requests[local.Key()], h)
	s.listeners.mu.Unlock()
}

// AddGlobalRequestListener registers h for requests arriving at any local
// address.
func (s *Stack) AddGlobalRequestListener(h RequestHandler) {
	s.listeners.mu.Lock()
	s.listeners.globalRequests = append(s.listeners.globalRequests, h)
	s.listeners.mu.Unlock()
}

// AddIndicationListener registers h for indications arriving at local.
func (s *Stack) AddIndicationListener(local addr.TransportAddress, h IndicationHandler) {
	s.listeners.mu.Lock()
	s.listeners.indications[local.Key()] = append(s.listeners.indications[local.Key()], h)
	s.listeners.mu.Unlock()
}

// AddOldIndicationListener registers h for legacy (RFC 3489, 16-byte id)
// indications arriving at local; these are dispatched separately from
// RFC 5389 indications.
func (s *Stack) AddOldIndicationListener(local addr.TransportAddress, h IndicationHandler) {
	s.listeners.mu.Lock()
	s.listeners.oldIndications[local.Key()] = append(s.listeners.oldIndications[local.Key()], h)
	s.listeners.mu.Unlock()
}

func (r *registries) requestHandlers(local addr.TransportAddress) []RequestHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	perAddr := r.requests[local.Key()]
	out := make([]RequestHandler, 0, len(perAddr)+len(r.globalRequests))
	out = append(out, perAddr...)
	out = append(out, r.globalRequests...)
	return out
}

func (r *registries) indicationHandlers(local addr.TransportAddress, legacy bool) []IndicationHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var src []IndicationHandler
	if legacy {
		src = r.oldIndications[local.Key()]
	} else {
		src = r.indications[local.Key()]
	}
	return append([]IndicationHandler(nil), src...)
}
