/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/cdp/domains"
	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/trace"
)

// ErrNoMainFrame is returned by page operations run before the page
// reported its main frame.
var ErrNoMainFrame = errors.New("page has no main frame")

// Page is a page target with its frames, including the frames that live
// in out-of-process iframe sessions.
type Page struct {
	browser    *Browser
	browserCtx *BrowserContext
	targetID   target.ID
	openerID   target.ID
	session    *cdpconn.Session

	logger *log.Logger
	tracer *trace.Tracer

	tree     *FrameTree
	contexts *ExecutionContexts
	eval     Evaluator
	network  *NetworkManager
	waits    *WaitTaskScheduler
	timeouts *TimeoutSettings

	frameSessionsMu sync.RWMutex
	frameSessions   map[target.SessionID]*FrameSession

	closed    chan struct{}
	closeOnce sync.Once
}

// newPage must be called on the read loop while handling the attach of s.
func newPage(b *Browser, bctx *BrowserContext, s *cdpconn.Session, info *target.Info) *Page {
	p := &Page{
		browser:       b,
		browserCtx:    bctx,
		targetID:      info.TargetID,
		openerID:      info.OpenerID,
		session:       s,
		logger:        b.logger,
		tracer:        b.tracer,
		tree:          NewFrameTree(b.logger, b.metrics),
		contexts:      NewExecutionContexts(),
		timeouts:      NewTimeoutSettings(bctx.timeouts),
		frameSessions: make(map[target.SessionID]*FrameSession),
		closed:        make(chan struct{}),
	}
	p.eval = NewFrameEvaluator(p.contexts, b.logger)
	p.network = NewNetworkManager(p.tree, b.conn, b.logger, b.metrics)
	p.waits = NewWaitTaskScheduler(p.eval, b.conn, b.logger, b.metrics)
	p.tree.On(p.onFrameEvent)
	p.addFrameSession(newFrameSession(p, s))

	return p
}

func (p *Page) initialize(ctx context.Context) error {
	p.frameSessionsMu.RLock()
	fs := p.frameSessions[p.session.ID()]
	p.frameSessionsMu.RUnlock()
	if fs == nil {
		return fmt.Errorf("initializing page %v: %w", p.targetID, ErrTargetClosed)
	}
	if err := fs.initialize(ctx); err != nil {
		return fmt.Errorf("initializing page %v: %w", p.targetID, err)
	}
	return nil
}

func (p *Page) onFrameEvent(ev FrameEvent) {
	fid := string(ev.Frame.ID())
	switch ev.Type {
	case FrameNavigated:
		p.tracer.TraceNavigation(context.Background(), fid, ev.Frame.URL(),
			oteltrace.WithAttributes(attribute.String("target.id", string(p.targetID))))
	case FrameAdopted:
		// evaluations waiting for a context must look at the new session
		p.contexts.Wake()
		p.tracer.AddFrameEvent(fid, "adopted",
			oteltrace.WithAttributes(attribute.String("session.id", string(sessionID(ev.Frame.Session())))))
	case FrameDetached:
		p.tracer.EndFrame(fid)
	}
}

func (p *Page) addFrameSession(fs *FrameSession) {
	p.frameSessionsMu.Lock()
	defer p.frameSessionsMu.Unlock()
	p.frameSessions[fs.session.ID()] = fs
}

func (p *Page) removeFrameSession(sid target.SessionID) {
	p.frameSessionsMu.Lock()
	defer p.frameSessionsMu.Unlock()
	delete(p.frameSessions, sid)
}

// Sessions returns the ids of the sessions the page's frames live in.
func (p *Page) Sessions() []target.SessionID {
	p.frameSessionsMu.RLock()
	defer p.frameSessionsMu.RUnlock()

	ids := make([]target.SessionID, 0, len(p.frameSessions))
	for id := range p.frameSessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// logInitError logs a failed session initialization. Sessions that went
// away while initializing are expected.
func (p *Page) logInitError(s *cdpconn.Session, err error) {
	select {
	case <-s.Done():
		p.logger.Debugf("Page:initialize", "sid:%v tid:%v session gone: %v", s.ID(), s.TargetID(), err)
	default:
		p.logger.Errorf("Page:initialize", "sid:%v tid:%v: %v", s.ID(), s.TargetID(), err)
	}
}

func (p *Page) didClose() {
	p.closeOnce.Do(func() {
		p.logger.Debugf("Page:didClose", "tid:%v", p.targetID)
		close(p.closed)
	})
}

// TargetID returns the id of the page target.
func (p *Page) TargetID() target.ID { return p.targetID }

// OpenerID returns the id of the target that opened the page, if any.
func (p *Page) OpenerID() target.ID { return p.openerID }

// Context returns the browser context of the page.
func (p *Page) Context() *BrowserContext { return p.browserCtx }

// Session returns the page's own session.
func (p *Page) Session() *cdpconn.Session { return p.session }

// FrameTree returns the frame tree of the page.
func (p *Page) FrameTree() *FrameTree { return p.tree }

// MainFrame returns the main frame, or nil before it is known.
func (p *Page) MainFrame() *Frame { return p.tree.MainFrame() }

// Frames returns the attached frames in pre-order.
func (p *Page) Frames() []*Frame { return p.tree.Frames() }

// Frame returns the attached frame with the given id, or nil.
func (p *Page) Frame(id cdp.FrameID) *Frame { return p.tree.Frame(id) }

// Dump returns the canonical dump of the frame tree.
func (p *Page) Dump() string { return p.tree.Dump() }

// Done is closed once the page's session is gone.
func (p *Page) Done() <-chan struct{} { return p.closed }

// IsClosed reports whether the page is closed.
func (p *Page) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// SetDefaultTimeout sets the timeout of the page's waits.
func (p *Page) SetDefaultTimeout(d time.Duration) { p.timeouts.SetDefaultTimeout(d) }

// Timeout returns the default timeout of the page's waits.
func (p *Page) Timeout() time.Duration { return p.timeouts.Timeout() }

func (p *Page) frameOrMain(f *Frame) (*Frame, error) {
	if f != nil {
		return f, nil
	}
	if m := p.tree.MainFrame(); m != nil {
		return m, nil
	}
	return nil, ErrNoMainFrame
}

// Navigate navigates the frame, or the main frame when f is nil, to url
// and waits for the new document to commit. It returns the loader id of
// the document.
func (p *Page) Navigate(ctx context.Context, f *Frame, url string) (_ cdp.LoaderID, err error) {
	if f, err = p.frameOrMain(f); err != nil {
		return "", err
	}
	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.navigate",
		oteltrace.WithAttributes(attribute.String("navigation.url", url)))
	defer func() { trace.End(span, err) }()

	p.logger.Debugf("Page:Navigate", "tid:%v fid:%v url:%q", p.targetID, f.ID(), url)

	from := f.LoaderID()
	lid, err := domains.NewPage(f.Session()).Navigate(ctx, url, "", f.ID())
	if err != nil {
		return "", fmt.Errorf("navigating frame to %q: %w", url, err)
	}
	if lid == "" {
		// same document
		return f.LoaderID(), nil
	}

	return p.tree.WaitForNavigation(ctx, f, NavigationOptions{
		Kind:     NavigationNewDocument,
		LoaderID: from,
		Timeout:  p.timeouts.Timeout(),
	})
}

// Evaluate evaluates expression in the frame, or the main frame when f is
// nil.
func (p *Page) Evaluate(ctx context.Context, f *Frame, expression string) (_ *runtime.RemoteObject, err error) {
	if f, err = p.frameOrMain(f); err != nil {
		return nil, err
	}
	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.evaluate")
	defer func() { trace.End(span, err) }()

	return p.eval.Evaluate(ctx, f, expression, true)
}

// WaitForSelector waits for selector in the frame, or the main frame when
// f is nil, to reach the state of opts. A wait for hidden that matches
// nothing returns a nil object.
func (p *Page) WaitForSelector(
	ctx context.Context, f *Frame, selector string, opts *WaitForSelectorOptions,
) (_ *runtime.RemoteObject, err error) {
	if opts == nil {
		opts = &WaitForSelectorOptions{}
	}
	vis, err := opts.visibility()
	if err != nil {
		return nil, err
	}
	polling, err := parsePolling(opts.Polling, opts.Interval)
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutOf(opts.Timeout, p.timeouts.Timeout())
	if err != nil {
		return nil, err
	}
	if f, err = p.frameOrMain(f); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.waitForSelector",
		oteltrace.WithAttributes(attribute.String("selector", selector), attribute.String("state", vis.String())))
	defer func() { trace.End(span, err) }()

	return p.waits.Wait(ctx, WaitParams{
		Frame:     f,
		Predicate: SelectorPredicate(selector, vis),
		Polling:   polling,
		Timeout:   timeout,
	})
}

// WaitForFunction waits for expression to be truthy in the frame, or the
// main frame when f is nil, and returns its value.
func (p *Page) WaitForFunction(
	ctx context.Context, f *Frame, expression string, opts *WaitForFunctionOptions,
) (_ *runtime.RemoteObject, err error) {
	if opts == nil {
		opts = &WaitForFunctionOptions{}
	}
	polling, err := parsePolling(opts.Polling, opts.Interval)
	if err != nil {
		return nil, err
	}
	timeout, err := timeoutOf(opts.Timeout, p.timeouts.Timeout())
	if err != nil {
		return nil, err
	}
	if f, err = p.frameOrMain(f); err != nil {
		return nil, err
	}

	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.waitForFunction")
	defer func() { trace.End(span, err) }()

	return p.waits.Wait(ctx, WaitParams{
		Frame:     f,
		Predicate: ExpressionPredicate(expression),
		Polling:   polling,
		Timeout:   timeout,
	})
}

// WaitForNavigation waits for the frame, or the main frame when f is nil,
// to navigate away from its current document.
func (p *Page) WaitForNavigation(
	ctx context.Context, f *Frame, opts *WaitForNavigationOptions,
) (_ cdp.LoaderID, err error) {
	kind, err := opts.kind()
	if err != nil {
		return "", err
	}
	var t WaitForNavigationOptions
	if opts != nil {
		t = *opts
	}
	timeout, err := timeoutOf(t.Timeout, p.timeouts.Timeout())
	if err != nil {
		return "", err
	}
	if f, err = p.frameOrMain(f); err != nil {
		return "", err
	}

	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.waitForNavigation")
	defer func() { trace.End(span, err) }()

	return p.tree.WaitForNavigation(ctx, f, NavigationOptions{Kind: kind, Timeout: timeout})
}

// WaitForNetworkIdle waits until no request of the frame, or of the main
// frame when f is nil, and of its descendants has been in flight for the
// idle time.
func (p *Page) WaitForNetworkIdle(ctx context.Context, f *Frame, opts *WaitForNetworkIdleOptions) (err error) {
	var o WaitForNetworkIdleOptions
	if opts != nil {
		o = *opts
	}
	idleTime := p.browser.opts.NetworkIdleTime
	if o.IdleTime.Valid {
		idleTime = time.Duration(o.IdleTime.Int64) * time.Millisecond
	}
	timeout, err := timeoutOf(o.Timeout, p.timeouts.Timeout())
	if err != nil {
		return err
	}
	if f, err = p.frameOrMain(f); err != nil {
		return err
	}

	ctx, span := p.tracer.TraceAPICall(ctx, string(f.ID()), "page.waitForNetworkIdle")
	defer func() { trace.End(span, err) }()

	return p.network.WaitForNetworkIdle(ctx, f, idleTime, timeout)
}

// WaitForFrame waits for a frame of the page matching predicate.
func (p *Page) WaitForFrame(ctx context.Context, predicate func(*Frame) bool, timeout time.Duration) (*Frame, error) {
	return p.tree.WaitForFrame(ctx, predicate, timeout)
}

// Close closes the page target and waits for its session to go away.
func (p *Page) Close(ctx context.Context) error {
	p.logger.Debugf("Page:Close", "tid:%v", p.targetID)

	if err := domains.NewTarget(p.browser.conn.Root()).CloseTarget(ctx, p.targetID); err != nil {
		return fmt.Errorf("closing page: %w", err)
	}
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing page: %w", ctx.Err())
	}
}
