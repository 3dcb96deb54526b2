package stack

import (
	"encoding/binary"
	"fmt"

	"github.com/kanzi-net/stuncore/internal/xerrors"
	"github.com/kanzi-net/stuncore/netaccess"
	"github.com/kanzi-net/stuncore/stunmsg"
)

// processRaw is the Manager's onRaw callback, invoked on the shared
// processing pool for every RawMessage a Connector reads.
func (s *Stack) processRaw(raw netaccess.RawMessage) {
	msg, err := stunmsg.Decode(raw.Bytes)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", raw.Remote.String()).Msg("dropping undecodable datagram")
		return
	}

	switch {
	case msg.Class == stunmsg.ClassRequest:
		s.processRequest(msg, raw)
	case msg.IsResponse():
		if !s.engine.DeliverResponse(msg) {
			s.log.Debug().Str("remote", raw.Remote.String()).Msg("dropping phantom response")
		}
	case msg.Class == stunmsg.ClassIndication:
		ev := &Event{Message: msg, Local: raw.Local, Remote: raw.Remote}
		for _, h := range s.listeners.indicationHandlers(raw.Local, msg.Legacy) {
			h(ev)
		}
	}
}

func (s *Stack) processRequest(msg *stunmsg.Message, raw netaccess.RawMessage) {
	st, isNew := s.engine.ServerReceive(msg.TransactionID, raw.Local, raw.Remote)
	if !isNew {
		if err := s.engine.RetransmitStoredResponse(st); err != nil {
			s.log.Warn().Err(err).Msg("failed to retransmit stored response")
		}
		if _, _, answered := st.StoredResponse(); answered && !s.cfg.propagateRetransmits {
			return
		}
	}

	if verr := s.validateRequest(msg); verr != nil {
		s.replyError(msg, raw, verr)
		return
	}

	ev := &Event{Message: msg, Local: raw.Local, Remote: raw.Remote}
	for _, h := range s.listeners.requestHandlers(raw.Local) {
		if serr := s.invokeRequestHandler(h, ev); serr != nil {
			s.replyError(msg, raw, serr)
			return
		}
	}
}

// invokeRequestHandler runs one handler, converting a returned StunError
// into its own kind, any other error or panic into ServerError. Listener
// failures never kill the dispatch pool.
func (s *Stack) invokeRequestHandler(h RequestHandler, ev *Event) (serr *xerrors.StunError) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("request listener panicked")
			serr = xerrors.New(xerrors.ServerError, fmt.Sprint(r))
		}
	}()
	err := h(ev)
	if err == nil {
		return nil
	}
	if se, ok := err.(*xerrors.StunError); ok {
		return se
	}
	return xerrors.New(xerrors.ServerError, err.Error())
}

// validateRequest checks an incoming request's USERNAME, MESSAGE-INTEGRITY
// and comprehension-required attributes, returning the error kind to encode
// into a STUN error response, or nil on success. Failures are values, not
// exceptions.
func (s *Stack) validateRequest(msg *stunmsg.Message) *xerrors.StunError {
	userAttr, hasUser := msg.Attr(stunmsg.AttrUsername)
	var key []byte
	if hasUser {
		user := stunmsg.ShortTermUser(string(userAttr.Value))
		k, known := s.lookupKey(user)
		if !known {
			return xerrors.New(xerrors.Unauthorized, "unknown user "+user)
		}
		key = k
	}

	integrity, hasIntegrity := msg.Attr(stunmsg.AttrMessageIntegrity)
	if hasIntegrity {
		if !hasUser {
			return xerrors.New(xerrors.BadRequest, "MESSAGE-INTEGRITY without USERNAME")
		}
		if !stunmsg.VerifyIntegrity(msg.Raw, integrity, key) {
			return xerrors.New(xerrors.Unauthorized, "MESSAGE-INTEGRITY mismatch")
		}
	} else if s.cfg.requireIntegrity {
		return xerrors.New(xerrors.Unauthorized, "MESSAGE-INTEGRITY required")
	}

	if unknown := unknownRequired(msg); len(unknown) > 0 {
		return &xerrors.StunError{Kind: xerrors.UnknownAttribute, Reason: "unknown comprehension-required attributes", Unknown: unknown}
	}
	return nil
}

func (s *Stack) lookupKey(user string) ([]byte, bool) {
	if s.authority == nil {
		return nil, false
	}
	return s.authority.Lookup(user)
}

// knownAttrs is the set of attribute types this stack comprehends; any
// other comprehension-required type triggers 420 Unknown Attribute.
var knownAttrs = map[stunmsg.AttrType]struct{}{
	stunmsg.AttrMappedAddress:     {},
	stunmsg.AttrUsername:          {},
	stunmsg.AttrMessageIntegrity:  {},
	stunmsg.AttrErrorCode:         {},
	stunmsg.AttrUnknownAttributes: {},
	stunmsg.AttrRealm:             {},
	stunmsg.AttrNonce:             {},
	stunmsg.AttrXorMappedAddress:  {},
}

func unknownRequired(msg *stunmsg.Message) []int {
	var out []int
	for _, a := range msg.Attributes {
		if _, known := knownAttrs[a.Type]; known {
			continue
		}
		if a.Type.IsComprehensionRequired() {
			out = append(out, int(a.Type))
		}
	}
	return out
}

// replyError builds and sends the STUN error response for serr through the
// request's server transaction.
func (s *Stack) replyError(req *stunmsg.Message, raw netaccess.RawMessage, serr *xerrors.StunError) {
	code, ok := serr.Kind.StunCode()
	if !ok {
		code = 500
	}
	resp := errorResponse(req, code, serr.Reason, serr.Unknown)
	if err := s.engine.SendServerResponse(req.TransactionID, resp.Encode(), raw.Remote); err != nil {
		s.log.Warn().Err(err).Int("code", code).Msg("failed to send error response")
		return
	}
	s.log.Debug().Int("code", code).Str("reason", serr.Reason).Str("remote", raw.Remote.String()).Msg("sent error response")
}

// errorResponse builds an error response echoing req's method and
// transaction id, with an ERROR-CODE attribute (class/number split per RFC
// 5389 §15.6) and, for 420, an UNKNOWN-ATTRIBUTES list.
func errorResponse(req *stunmsg.Message, code int, reason string, unknown []int) *stunmsg.Message {
	val := make([]byte, 4+len(reason))
	val[2] = byte(code / 100)
	val[3] = byte(code % 100)
	copy(val[4:], reason)

	resp := &stunmsg.Message{
		Class:         stunmsg.ClassErrorResponse,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Legacy:        req.Legacy,
		Attributes:    []stunmsg.Attribute{{Type: stunmsg.AttrErrorCode, Value: val}},
	}
	if len(unknown) > 0 {
		list := make([]byte, 2*len(unknown))
		for i, t := range unknown {
			binary.BigEndian.PutUint16(list[2*i:], uint16(t))
		}
		resp.Attributes = append(resp.Attributes, stunmsg.Attribute{Type: stunmsg.AttrUnknownAttributes, Value: list})
	}
	return resp
}
