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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/cdp/domains"
	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
	"github.com/grafana/cdpcore/trace"
)

// Browser states.
const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// Browser drives a browser over a single protocol connection. It keeps
// the target registry up to date and owns a Page for every page target.
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc

	state int64

	conn     *cdpconn.Connection
	opts     *Options
	logger   *log.Logger
	metrics  *metrics.Metrics
	tracer   *trace.Tracer
	registry *TargetRegistry
	timeouts *TimeoutSettings

	contextsMu     sync.RWMutex
	contexts       map[cdp.BrowserContextID]*BrowserContext
	defaultContext *BrowserContext

	// Pages are added and removed on the connection's read loop and read
	// from any goroutine.
	pagesMu sync.RWMutex
	pages   map[cdpt.ID]*Page

	unsubscribe func()
}

// Connect dials the DevTools websocket of opts and returns the connected
// browser.
func Connect(
	ctx context.Context, opts *Options, logger *log.Logger, m *metrics.Metrics, tracer *trace.Tracer,
) (*Browser, error) {
	conn, err := cdpconn.Dial(ctx, opts.WSURL, logger, cdpconn.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("connecting to browser DevTools URL %q: %w", opts.WSURL, err)
	}
	b, err := NewBrowser(ctx, conn, opts, logger, m, tracer)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// NewBrowser sets up a browser on an open connection. It seeds the target
// registry and enables target discovery and auto-attach.
func NewBrowser(
	ctx context.Context,
	conn *cdpconn.Connection,
	opts *Options,
	logger *log.Logger,
	m *metrics.Metrics,
	tracer *trace.Tracer,
) (*Browser, error) {
	b := newBrowser(ctx, conn, opts, logger, m, tracer)
	if err := b.connect(); err != nil {
		b.cancel()
		return nil, err
	}
	return b, nil
}

// newBrowser returns a Browser that is not yet listening to conn.
func newBrowser(
	ctx context.Context,
	conn *cdpconn.Connection,
	opts *Options,
	logger *log.Logger,
	m *metrics.Metrics,
	tracer *trace.Tracer,
) *Browser {
	if opts == nil {
		opts = NewOptions()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		ctx:      ctx,
		cancel:   cancel,
		state:    BrowserStateOpen,
		conn:     conn,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		registry: NewTargetRegistry(logger),
		timeouts: NewTimeoutSettings(nil),
		contexts: make(map[cdp.BrowserContextID]*BrowserContext),
		pages:    make(map[cdpt.ID]*Page),
	}
	b.timeouts.SetDefaultTimeout(opts.Timeout)
	b.defaultContext = NewBrowserContext(b, "", NewBrowserContextOptions(), logger)

	return b
}

func (b *Browser) connect() error {
	b.logger.Debugf("Browser:connect", "")

	root := b.conn.Root()
	b.unsubscribe = root.Subscribe(b.onEvent,
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetInfoChanged,
		cdproto.EventTargetTargetDestroyed,
		cdproto.EventTargetAttachedToTarget,
		cdproto.EventTargetDetachedFromTarget,
	)
	go b.watchConnection()

	// The snapshot goes first: Sync destroys the targets it does not list,
	// which must not race with live discovery events.
	td := domains.NewTarget(root)
	infos, err := td.GetTargets(b.ctx)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}
	b.registry.Sync(infos)

	if err := td.SetDiscoverTargets(b.ctx, true); err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}
	if err := td.SetAutoAttach(b.ctx, true, true, true); err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}

	return nil
}

func (b *Browser) watchConnection() {
	select {
	case <-b.conn.Done():
	case <-b.ctx.Done():
		_ = b.conn.Close()
		<-b.conn.Done()
	}
	err := b.conn.Err()
	b.logger.Debugf("Browser:watchConnection", "connection closed: %v", err)

	atomic.StoreInt64(&b.state, BrowserStateClosed)
	b.registry.Close(err)
	b.cancel()
}

func (b *Browser) onEvent(ev *cdpconn.Event) {
	switch e := ev.Data.(type) {
	case *cdpt.EventTargetCreated:
		b.registry.OnTargetInfo(e.TargetInfo)
	case *cdpt.EventTargetInfoChanged:
		b.registry.OnTargetInfo(e.TargetInfo)
	case *cdpt.EventTargetDestroyed:
		b.registry.OnTargetDestroyed(e.TargetID)
	case *cdpt.EventAttachedToTarget:
		b.onAttachedToTarget(e)
	case *cdpt.EventDetachedFromTarget:
		b.onDetachedFromTarget(e)
	default:
		if ev.Method == cdpconn.EventSessionDetached && b.unsubscribe != nil {
			b.unsubscribe()
		}
	}
}

func (b *Browser) onAttachedToTarget(ev *cdpt.EventAttachedToTarget) {
	info := ev.TargetInfo
	if info == nil {
		return
	}
	s := b.conn.Session(ev.SessionID)
	if s == nil {
		return
	}
	b.logger.Debugf("Browser:onAttachedToTarget", "sid:%v tid:%v bctxid:%v type:%s url:%q",
		ev.SessionID, info.TargetID, info.BrowserContextID, info.Type, info.URL)

	// We're not interested in DevTools pages, but they must not hang.
	if strings.HasPrefix(info.URL, "devtools://devtools") {
		b.logger.Debugf("Browser:onAttachedToTarget:return", "sid:%v tid:%v (devtools)", ev.SessionID, info.TargetID)
		go b.resumeTarget(s, info)
		return
	}

	b.registry.OnTargetAttached(info, s, ev.WaitingForDebugger)
	if targetKindOf(info.Type) != TargetKindPage {
		go b.resumeTarget(s, info)
		return
	}

	p := newPage(b, b.contextFor(info.BrowserContextID), s, info)
	b.pagesMu.Lock()
	b.pages[info.TargetID] = p
	b.pagesMu.Unlock()

	go func() {
		if err := p.initialize(b.ctx); err != nil {
			p.logInitError(s, err)
			return
		}
		b.registry.MarkInitialized(info.TargetID)
	}()
}

// onDetachedFromTarget event can be issued multiple times per target if multiple
// sessions have been attached to it. So we'll remove the page only once.
func (b *Browser) onDetachedFromTarget(ev *cdpt.EventDetachedFromTarget) {
	s := b.conn.Session(ev.SessionID)
	if s == nil {
		return
	}
	tid := s.TargetID()
	b.logger.Debugf("Browser:onDetachedFromTarget", "sid:%v tid:%v", ev.SessionID, tid)

	b.registry.OnTargetDetached(tid)

	b.pagesMu.Lock()
	p, ok := b.pages[tid]
	if ok && p.session == s {
		delete(b.pages, tid)
	}
	b.pagesMu.Unlock()
}

// resumeTarget lets a target that waits for the debugger run. Only pages
// and out-of-process iframes need more than that before they are usable.
func (b *Browser) resumeTarget(s *cdpconn.Session, info *cdpt.Info) {
	if err := domains.NewRuntime(s).RunIfWaitingForDebugger(b.ctx); err != nil {
		select {
		case <-s.Done():
			b.logger.Debugf("Browser:resumeTarget", "sid:%v tid:%v session gone: %v", s.ID(), info.TargetID, err)
		default:
			b.logger.Errorf("Browser:resumeTarget", "sid:%v tid:%v: %v", s.ID(), info.TargetID, err)
		}
		return
	}
	b.registry.MarkInitialized(info.TargetID)
}

func (b *Browser) contextFor(id cdp.BrowserContextID) *BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()

	if bctx, ok := b.contexts[id]; ok {
		return bctx
	}
	return b.defaultContext
}

func (b *Browser) hasContext(id cdp.BrowserContextID) bool {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()
	_, ok := b.contexts[id]
	return ok
}

func (b *Browser) disposeContext(ctx context.Context, id cdp.BrowserContextID) error {
	b.logger.Debugf("Browser:disposeContext", "bctxid:%v", id)

	if err := domains.NewTarget(b.conn.Root()).DisposeBrowserContext(ctx, id); err != nil {
		return err
	}

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()
	delete(b.contexts, id)

	return nil
}

// Connection returns the protocol connection of the browser.
func (b *Browser) Connection() *cdpconn.Connection { return b.conn }

// Registry returns the target registry of the browser.
func (b *Browser) Registry() *TargetRegistry { return b.registry }

// Targets returns every known target, ordered by id.
func (b *Browser) Targets() []Target { return b.registry.Targets() }

// On registers a listener for target notifications.
func (b *Browser) On(l TargetListener) (off func()) { return b.registry.On(l) }

// WaitForTarget waits for an initialized target matching predicate.
func (b *Browser) WaitForTarget(ctx context.Context, predicate func(Target) bool, timeout time.Duration) (Target, error) {
	return b.registry.WaitForTarget(ctx, predicate, timeout)
}

// Contexts returns the browser contexts created with NewContext, ordered
// by id.
func (b *Browser) Contexts() []*BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()

	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, bctx := range b.contexts {
		contexts = append(contexts, bctx)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].id < contexts[j].id })

	return contexts
}

// DefaultContext returns the default browser context.
func (b *Browser) DefaultContext() *BrowserContext { return b.defaultContext }

// NewContext creates a new incognito-like browser context.
func (b *Browser) NewContext(ctx context.Context, opts *BrowserContextOptions) (*BrowserContext, error) {
	if opts == nil {
		opts = NewBrowserContextOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("creating a new browser context: %w", err)
	}
	bctxID, err := domains.NewTarget(b.conn.Root()).CreateBrowserContext(ctx, opts.DisposeOnDetach)
	if err != nil {
		return nil, fmt.Errorf("creating a new browser context: %w", err)
	}

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()
	bctx := NewBrowserContext(b, bctxID, opts, b.logger)
	b.contexts[bctxID] = bctx

	return bctx, nil
}

// NewPage creates a new tab in a new browser context.
func (b *Browser) NewPage(ctx context.Context, opts *BrowserContextOptions) (*Page, error) {
	bctx, err := b.NewContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	return bctx.NewPage(ctx)
}

// Pages returns the open pages, ordered by target id.
func (b *Browser) Pages() []*Page {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()

	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].targetID < pages[j].targetID })

	return pages
}

// Page returns the page of the target with the given id, or nil.
func (b *Browser) Page(id cdpt.ID) *Page {
	b.pagesMu.RLock()
	defer b.pagesMu.RUnlock()
	return b.pages[id]
}

// WaitForPage waits for an initialized page matching predicate. A nil
// predicate matches any page.
func (b *Browser) WaitForPage(ctx context.Context, predicate func(*Page) bool, timeout time.Duration) (*Page, error) {
	t, err := b.registry.WaitForTarget(ctx, func(t Target) bool {
		if t.Kind != TargetKindPage {
			return false
		}
		p := b.Page(t.ID)
		return p != nil && (predicate == nil || predicate(p))
	}, timeout)
	if err != nil {
		return nil, err
	}
	if p := b.Page(t.ID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("waiting for page %v: %w", t.ID, ErrTargetClosed)
}

// UserAgent returns the controlled browser's user agent string.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	_, _, _, ua, _, err := domains.NewBrowser(b.conn.Root()).GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("getting browser user agent: %w", err)
	}

	return ua, nil
}

// Version returns the controlled browser's version.
func (b *Browser) Version(ctx context.Context) (string, error) {
	_, product, _, _, _, err := domains.NewBrowser(b.conn.Root()).GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}

	i := strings.Index(product, "/")
	if i == -1 {
		return product, nil
	}
	return product[i+1:], nil
}

// IsConnected reports whether the connection to the browser is open.
func (b *Browser) IsConnected() bool {
	return atomic.LoadInt64(&b.state) == BrowserStateOpen && b.conn.Err() == nil
}

// Done is closed once the browser is disconnected.
func (b *Browser) Done() <-chan struct{} { return b.ctx.Done() }

// Disconnect closes the connection and leaves the browser running.
func (b *Browser) Disconnect() {
	b.logger.Debugf("Browser:Disconnect", "")
	_ = b.conn.Close()
	<-b.ctx.Done()
}

// Close shuts down the browser.
func (b *Browser) Close(ctx context.Context) error {
	b.logger.Debugf("Browser:Close", "")
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		// If we're already in a closing state then no need to continue.
		b.logger.Debugf("Browser:Close", "already in a closing state")
		return nil
	}

	err := domains.NewBrowser(b.conn.Root()).Close(ctx)
	if errors.Is(err, cdpconn.ErrConnectionClosed) {
		// the browser may go away before replying
		err = nil
	}
	b.Disconnect()

	return err
}
