package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
)

var _ cdp.Executor = &Connection{}

var errClosedByClient = errors.New("closed by client")

type callResult struct {
	msg *cdproto.Message
	err error
}

type call struct {
	sessionID target.SessionID
	method    string
	ch        chan callResult
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithMetrics makes the connection report to m.
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *Connection) { c.metrics = m }
}

// Connection multiplexes protocol sessions over a single Transport.
type Connection struct {
	ctx     context.Context
	logger  *log.Logger
	metrics *metrics.Metrics

	transport Transport
	msgID     int64
	bufPool   *bpool.BufferPool

	pendingMu sync.Mutex
	pending   map[int64]*call

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
	root       *Session

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the browser's DevTools websocket at wsURL.
// The connection is closed when ctx is done.
func Dial(ctx context.Context, wsURL string, logger *log.Logger, opts ...ConnectionOption) (*Connection, error) {
	t, err := DialWebSocket(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	logger.Infof("Connection:Dial", "established CDP connection to %q", wsURL)

	return NewConnection(ctx, t, logger, opts...), nil
}

// NewConnection starts reading from t. The connection is closed when
// ctx is done, when t fails, or when Close is called.
func NewConnection(ctx context.Context, t Transport, logger *log.Logger, opts ...ConnectionOption) *Connection {
	c := &Connection{
		ctx:       ctx,
		logger:    logger,
		transport: t,
		bufPool:   bpool.NewBufferPool(64),
		pending:   make(map[int64]*call),
		sessions:  make(map[target.SessionID]*Session),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root = newSession(c, "", "", nil)
	c.sessions[""] = c.root

	go c.recvLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.closeWithError(ctx.Err())
		case <-c.done:
		}
	}()

	return c
}

// Root returns the browser-level session.
func (c *Connection) Root() *Session { return c.root }

// Session returns the live session with the given id, or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection was closed, nil while it is open.
// The error matches ErrConnectionClosed.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the transport and fails everything still outstanding.
func (c *Connection) Close() error {
	c.closeWithError(errClosedByClient)
	return nil
}

// Execute implements cdproto's Executor. The command is sent on the
// session stored in ctx with WithSessionID, the root session otherwise.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	sid := GetSessionID(ctx)
	s := c.Session(sid)
	if s == nil {
		return fmt.Errorf("executing %s on session %q: %w", method, sid, ErrSessionClosed)
	}
	return c.send(ctx, s, method, params, res)
}

func (c *Connection) send(ctx context.Context, s *Session, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("executing %s: %w", method, err)
	}
	start := time.Now()

	msg, err := c.newMessage(s, method, params)
	if err != nil {
		return err
	}
	cl := &call{sessionID: s.id, method: method, ch: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[msg.ID] = cl
	c.pendingMu.Unlock()

	c.logger.Debugf("Connection:send", "sid:%v tid:%v mid:%d method:%q", s.id, s.targetID, msg.ID, method)
	if err := c.write(ctx, msg); err != nil {
		c.forget(msg.ID)
		c.metrics.CommandSent(method, time.Since(start), err)
		return err
	}

	select {
	case r := <-cl.ch:
		err = r.err
		if err == nil && res != nil {
			err = easyjson.Unmarshal(r.msg.Result, res)
		}
	case <-s.done:
		c.forget(msg.ID)
		err = fmt.Errorf("executing %s: %w", method, s.Err())
	case <-c.done:
		c.forget(msg.ID)
		err = fmt.Errorf("executing %s: %w", method, c.Err())
	case <-ctx.Done():
		c.forget(msg.ID)
		err = ctx.Err()
	}
	c.metrics.CommandSent(method, time.Since(start), err)

	return err
}

// post sends a command without registering a response waiter.
func (c *Connection) post(ctx context.Context, s *Session, method string, params easyjson.Marshaler) error {
	msg, err := c.newMessage(s, method, params)
	if err != nil {
		return err
	}
	c.logger.Debugf("Connection:post", "sid:%v tid:%v mid:%d method:%q", s.id, s.targetID, msg.ID, method)
	return c.write(ctx, msg)
}

func (c *Connection) newMessage(s *Session, method string, params easyjson.Marshaler) (*cdproto.Message, error) {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	return &cdproto.Message{
		ID:        atomic.AddInt64(&c.msgID, 1),
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}, nil
}

func (c *Connection) write(ctx context.Context, msg *cdproto.Message) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("executing %s: %w", msg.Method, err)
	}

	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)
	if _, err := encoder.DumpTo(buf); err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	if err := c.transport.WriteMessage(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Method, err)
	}

	return nil
}

func (c *Connection) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Connection) recvLoop() {
	for {
		buf, err := c.transport.ReadMessage()
		if err != nil {
			c.logger.Debugf("Connection:recvLoop", "ioErr:%v", err)
			c.closeWithError(err)
			return
		}

		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			c.logger.Errorf("Connection:recvLoop", "unmarshaling CDP message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg)
		case msg.Method != "":
			c.dispatch(&msg)
		default:
			c.logger.Errorf("Connection:recvLoop", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

func (c *Connection) resolve(msg *cdproto.Message) {
	c.pendingMu.Lock()
	cl, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debugf("Connection:resolve", "sid:%v mid:%d no waiter, dropping response", msg.SessionID, msg.ID)
		return
	}

	if msg.Error != nil {
		cl.ch <- callResult{err: &ProtocolError{
			Method:  cl.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}}
		return
	}
	cl.ch <- callResult{msg: msg}
}

func (c *Connection) dispatch(msg *cdproto.Message) {
	s := c.Session(msg.SessionID)
	if s == nil {
		c.logger.Debugf("Connection:dispatch", "sid:%v method:%q unknown session", msg.SessionID, msg.Method)
		return
	}
	c.metrics.EventDispatched()

	ev := &Event{
		Method:    msg.Method,
		SessionID: msg.SessionID,
		Params:    msg.Params,
	}
	data, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		c.logger.Debugf("Connection:dispatch", "sid:%v method:%q decoding: %v", msg.SessionID, msg.Method, err)
	} else {
		ev.Data = data
	}

	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		// The child session must exist before the attach event is seen by
		// subscribers, who may subscribe to it right away.
		if a, ok := data.(*target.EventAttachedToTarget); ok && a.TargetInfo != nil {
			c.attachSession(s, a.SessionID, a.TargetInfo.TargetID)
		}
		s.emit(ev)
	case cdproto.EventTargetDetachedFromTarget:
		s.emit(ev)
		if d, ok := data.(*target.EventDetachedFromTarget); ok {
			c.destroySession(d.SessionID, fmt.Errorf("session %s: %w", d.SessionID, ErrSessionClosed))
		}
	default:
		s.emit(ev)
	}
}

func (c *Connection) attachSession(parent *Session, id target.SessionID, tid target.ID) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()

	if _, ok := c.sessions[id]; ok {
		return
	}
	c.sessions[id] = newSession(c, id, tid, parent)
	c.metrics.SessionAttached()
	c.logger.Debugf("Connection:attachSession", "sid:%v tid:%v psid:%v", id, tid, parent.id)
}

// destroySession destroys the session and its descendants, children first.
func (c *Connection) destroySession(id target.SessionID, err error) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.sessionsMu.Unlock()
		return
	}
	var doomed []*Session
	var collect func(*Session)
	collect = func(p *Session) {
		for _, child := range c.sessions {
			if child.parent == p {
				collect(child)
			}
		}
		doomed = append(doomed, p)
	}
	collect(s)
	for _, d := range doomed {
		delete(c.sessions, d.id)
	}
	c.sessionsMu.Unlock()

	for _, d := range doomed {
		c.failPending(d.id, err)
		if d != c.root {
			c.metrics.SessionDetached()
		}
		d.close(err)
	}
}

func (c *Connection) failPending(sid target.SessionID, err error) {
	c.pendingMu.Lock()
	var failed []*call
	for id, cl := range c.pending {
		if cl.sessionID == sid {
			failed = append(failed, cl)
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()

	for _, cl := range failed {
		cl.ch <- callResult{err: fmt.Errorf("executing %s: %w", cl.method, err)}
	}
}

func (c *Connection) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.logger.Debugf("Connection:close", "cause:%v", cause)

		c.err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.Debugf("Connection:close", "closing transport: %v", err)
		}

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]*call)
		c.pendingMu.Unlock()
		for _, cl := range pending {
			cl.ch <- callResult{err: fmt.Errorf("executing %s: %w", cl.method, c.err)}
		}

		c.destroySession(c.root.id, c.err)
	})
}
