// Package cdptest provides an in-memory Transport whose browser side is
// scripted by tests.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/mailru/easyjson"
)

// ErrNoReply makes the Transport hold the response of a request.
// Answer it later with Reply or ReplyError.
var ErrNoReply = errors.New("cdptest: no reply")

// ErrClosed is returned by ReadMessage once the Transport is closed.
var ErrClosed = errors.New("cdptest: transport closed")

// Request is a command written by the connection under test.
type Request struct {
	ID        int64
	SessionID target.SessionID
	Method    string
	Params    json.RawMessage
}

// Decode unmarshals the request params into v.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// Handler answers a request. A nil result replies with an empty object.
// A *cdproto.Error result error replies with a protocol error.
type Handler func(*Request) (result any, err error)

type errorPayload struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID        int64              `json:"id,omitempty"`
	SessionID target.SessionID   `json:"sessionId,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *errorPayload      `json:"error,omitempty"`
}

// Transport implements cdp.Transport in memory.
type Transport struct {
	mu       sync.Mutex
	handlers map[string]Handler
	requests []*Request
	inbox    [][]byte
	readErr  error
	closed   bool

	notify    chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewTransport returns a Transport that replies {} to every command
// without a handler.
func NewTransport() *Transport {
	return &Transport{
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// NewSessionID returns a random session id.
func NewSessionID() target.SessionID {
	return target.SessionID(uuid.NewString())
}

// Handle sets the handler for method, replacing any previous one.
func (t *Transport) Handle(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

// Emit queues an event for the connection to read.
func (t *Transport) Emit(sessionID target.SessionID, method cdproto.MethodType, params any) {
	raw, err := marshal(params)
	if err != nil {
		panic(fmt.Sprintf("cdptest: marshaling %s params: %v", method, err))
	}
	t.push(message{SessionID: sessionID, Method: method, Params: raw})
}

// Reply answers a request held with ErrNoReply.
func (t *Transport) Reply(req *Request, result any) {
	raw, err := marshal(result)
	if err != nil {
		panic(fmt.Sprintf("cdptest: marshaling %s result: %v", req.Method, err))
	}
	t.push(message{ID: req.ID, SessionID: req.SessionID, Result: raw})
}

// ReplyError answers a request with a protocol error.
func (t *Transport) ReplyError(req *Request, code int64, msg string) {
	t.push(message{
		ID:        req.ID,
		SessionID: req.SessionID,
		Error:     &errorPayload{Code: code, Message: msg},
	})
}

// Raw queues raw bytes as if the browser had sent them.
func (t *Transport) Raw(b []byte) {
	t.mu.Lock()
	t.inbox = append(t.inbox, b)
	t.mu.Unlock()
	t.signal()
}

// Fail makes ReadMessage return err once the queued messages are read.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	t.signal()
}

// Requests returns the requests received so far for method, or all of
// them when method is empty.
func (t *Transport) Requests(method string) []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reqs []*Request
	for _, r := range t.requests {
		if method == "" || r.Method == method {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// WaitForRequest waits until a request for method on sessionID was received.
func (t *Transport) WaitForRequest(sessionID target.SessionID, method string, timeout time.Duration) (*Request, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, r := range t.Requests(method) {
			if r.SessionID == sessionID {
				return r, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cdptest: no %s request on session %q within %s", method, sessionID, timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// Closed is closed when the connection closes the Transport.
func (t *Transport) Closed() <-chan struct{} { return t.closedCh }

// ReadMessage returns the next queued message.
func (t *Transport) ReadMessage() ([]byte, error) {
	for {
		t.mu.Lock()
		switch {
		case len(t.inbox) > 0:
			b := t.inbox[0]
			t.inbox = t.inbox[1:]
			t.mu.Unlock()
			return b, nil
		case t.readErr != nil:
			err := t.readErr
			t.mu.Unlock()
			return nil, err
		case t.closed:
			t.mu.Unlock()
			return nil, ErrClosed
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-t.closedCh:
		}
	}
}

// WriteMessage records a command and answers it through its handler.
func (t *Transport) WriteMessage(_ context.Context, data []byte) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("cdptest: decoding command: %w", err)
	}
	req := &Request{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Method:    string(msg.Method),
		Params:    append(json.RawMessage(nil), msg.Params...),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.requests = append(t.requests, req)
	h := t.handlers[req.Method]
	t.mu.Unlock()

	var (
		result any
		err    error
	)
	if h != nil {
		result, err = h(req)
	}
	var perr *cdproto.Error
	switch {
	case errors.Is(err, ErrNoReply):
	case errors.As(err, &perr):
		t.ReplyError(req, perr.Code, perr.Message)
	case err != nil:
		t.ReplyError(req, -32000, err.Error())
	default:
		t.Reply(req, result)
	}

	return nil
}

// Close implements cdp.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.closedCh)
	})
	return nil
}

func (t *Transport) push(m message) {
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("cdptest: marshaling message: %v", err))
	}
	t.Raw(b)
}

func (t *Transport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func marshal(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case easyjson.Marshaler:
		return easyjson.Marshal(v)
	default:
		return json.Marshal(v)
	}
}
