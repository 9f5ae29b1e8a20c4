package cdp

import (
	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// EventSessionDetached is delivered to every subscriber of a session when
// the session is destroyed, regardless of the methods it subscribed to.
// It is never sent by the browser.
const EventSessionDetached cdproto.MethodType = "cdp.sessionDetached"

// Event is a protocol event received on a session.
type Event struct {
	Method    cdproto.MethodType
	SessionID target.SessionID
	Params    easyjson.RawMessage

	// Data is the decoded cdproto event, or nil when the method
	// is unknown to cdproto.
	Data any
}

// EventHandler handles events on the connection's read loop.
// It must not block and must not wait for command responses.
type EventHandler func(*Event)

type subscription struct {
	id      uint64
	methods map[cdproto.MethodType]struct{}
	handler EventHandler
}

func (s *subscription) wants(method cdproto.MethodType) bool {
	if len(s.methods) == 0 || method == EventSessionDetached {
		return true
	}
	_, ok := s.methods[method]
	return ok
}
