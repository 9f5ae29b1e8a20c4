package cdp

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpcore/log"
)

var _ cdp.Executor = &Session{}

// Session is a logical protocol channel to one target, multiplexed over
// the connection. The root session has an empty id.
type Session struct {
	conn     *Connection
	id       target.SessionID
	targetID target.ID
	parent   *Session
	logger   *log.Logger

	subsMu    sync.RWMutex
	subs      []*subscription
	nextSubID uint64
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSession(conn *Connection, id target.SessionID, tid target.ID, parent *Session) *Session {
	return &Session{
		conn:     conn,
		id:       id,
		targetID: tid,
		parent:   parent,
		logger:   conn.logger,
		done:     make(chan struct{}),
	}
}

// ID returns the session id. It is empty for the root session.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the target this session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Parent returns the session the attach event arrived on, nil for the root.
func (s *Session) Parent() *Session { return s.parent }

// Connection returns the connection owning the session.
func (s *Session) Connection() *Connection { return s.conn }

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session was destroyed, nil while it is alive.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Execute sends a command on this session and waits for its response.
// It implements cdproto's Executor so any cdproto action can run on a session.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.conn.send(ctx, s, method, params, res)
}

// ExecuteWithoutExpectationOnReply sends a command and does not wait for
// the browser to answer it.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler, _ easyjson.Unmarshaler) error {
	// Certain methods aren't available to the user directly.
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, cancel its context")
	}
	if err := s.Err(); err != nil {
		return err
	}
	return s.conn.post(ctx, s, method, params)
}

// Subscribe registers handler for the given events of this session, or for
// all of them when no method is given. The handler also receives
// EventSessionDetached once. Subscribing to a destroyed session delivers
// EventSessionDetached right away.
func (s *Session) Subscribe(handler EventHandler, methods ...cdproto.MethodType) (unsubscribe func()) {
	sub := &subscription{handler: handler}
	if len(methods) > 0 {
		sub.methods = make(map[cdproto.MethodType]struct{}, len(methods))
		for _, m := range methods {
			sub.methods[m] = struct{}{}
		}
	}

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		handler(&Event{Method: EventSessionDetached, SessionID: s.id})
		return func() {}
	}
	s.nextSubID++
	sub.id = s.nextSubID
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	return func() { s.unsubscribe(sub.id) }
}

func (s *Session) unsubscribe(id uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// emit dispatches ev to the session subscribers in subscription order.
func (s *Session) emit(ev *Event) {
	s.subsMu.RLock()
	if s.closed {
		s.subsMu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.wants(ev.Method) {
			subs = append(subs, sub)
		}
	}
	s.subsMu.RUnlock()

	for _, sub := range subs {
		sub.handler(ev)
	}
}

// close marks the session destroyed and notifies subscribers.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.logger.Debugf("Session:close", "sid:%v tid:%v err:%v", s.id, s.targetID, err)

		s.err = err
		close(s.done)

		s.subsMu.Lock()
		subs := s.subs
		s.subs = nil
		s.closed = true
		s.subsMu.Unlock()

		ev := &Event{Method: EventSessionDetached, SessionID: s.id}
		for _, sub := range subs {
			sub.handler(ev)
		}
	})
}
