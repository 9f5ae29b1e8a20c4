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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
)

// FrameEventType tells what happened to a frame.
type FrameEventType int

// Frame notification types.
const (
	FrameAttached FrameEventType = iota
	FrameNavigated
	FrameNavigatedWithinDocument
	FrameStartedLoading
	FrameAdopted
	FrameDetached
)

func (t FrameEventType) String() string {
	switch t {
	case FrameAttached:
		return "attached"
	case FrameNavigated:
		return "navigated"
	case FrameNavigatedWithinDocument:
		return "navigatedWithinDocument"
	case FrameStartedLoading:
		return "startedLoading"
	case FrameAdopted:
		return "adopted"
	case FrameDetached:
		return "detached"
	}
	return fmt.Sprintf("FrameEventType(%d)", int(t))
}

// FrameEvent is delivered to frame listeners.
type FrameEvent struct {
	Type  FrameEventType
	Frame *Frame
}

// FrameListener is called for every frame notification. Listeners run
// while the tree applies a mutation. They may read the tree but must not
// mutate it.
type FrameListener func(FrameEvent)

// NavigationKind selects the navigations a navigation wait accepts.
type NavigationKind int

const (
	// NavigationNewDocument is satisfied when the frame's loader id changes.
	NavigationNewDocument NavigationKind = iota
	// NavigationSameDocument is satisfied by a navigation within the document.
	NavigationSameDocument
	// NavigationAny accepts both.
	NavigationAny
)

// NavigationOptions configure WaitForNavigation.
type NavigationOptions struct {
	Kind NavigationKind
	// LoaderID is the document the navigation must leave. It defaults to
	// the frame's current document.
	LoaderID cdp.LoaderID
	// Timeout of zero waits until ctx is done.
	Timeout time.Duration
}

type frameWaiter struct {
	match func(*Frame) bool
	ch    chan *Frame
}

type navWaiter struct {
	frame      *Frame
	kind       NavigationKind
	fromLoader cdp.LoaderID
	ch         chan error
}

// FrameTree mirrors the frame structure of one page, across the sessions
// of its out-of-process frames.
//
// Frames are kept in an arena keyed by frame id. Parent and child links are
// ids, so that moving a frame to another session is a single field update.
type FrameTree struct {
	logger  *log.Logger
	metrics *metrics.Metrics

	// writeMu serializes mutations together with their notifications.
	writeMu sync.Mutex

	mu             sync.RWMutex
	frames         map[cdp.FrameID]*Frame
	mainID         cdp.FrameID
	listeners      map[uint64]FrameListener
	nextListenerID uint64
	frameWaiters   map[*frameWaiter]struct{}
	navWaiters     map[*navWaiter]struct{}
}

// NewFrameTree returns an empty tree. m may be nil.
func NewFrameTree(logger *log.Logger, m *metrics.Metrics) *FrameTree {
	return &FrameTree{
		logger:       logger,
		metrics:      m,
		frames:       make(map[cdp.FrameID]*Frame),
		listeners:    make(map[uint64]FrameListener),
		frameWaiters: make(map[*frameWaiter]struct{}),
		navWaiters:   make(map[*navWaiter]struct{}),
	}
}

// On registers a listener and returns a function that removes it.
func (t *FrameTree) On(l FrameListener) (off func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextListenerID++
	id := t.nextListenerID
	t.listeners[id] = l

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// MainFrame returns the main frame, or nil before it is attached.
func (t *FrameTree) MainFrame() *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frames[t.mainID]
}

// Frame returns the attached frame with the given id, or nil.
func (t *FrameTree) Frame(id cdp.FrameID) *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frames[id]
}

// Frames returns the attached frames in pre-order, starting from the main
// frame, children in attach order.
func (t *FrameTree) Frames() []*Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.framesLocked()
}

func (t *FrameTree) framesLocked() []*Frame {
	var frames []*Frame
	var walk func(id cdp.FrameID)
	walk = func(id cdp.FrameID) {
		f, ok := t.frames[id]
		if !ok {
			return
		}
		frames = append(frames, f)
		for _, c := range f.children {
			walk(c)
		}
	}
	walk(t.mainID)

	return frames
}

// Dump returns a textual dump of the tree: one line per frame with its id
// and url, indented by depth, siblings ordered by id. Two trees describing
// the same documents dump equal regardless of how they were built.
func (t *FrameTree) Dump() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sb strings.Builder
	var walk func(id cdp.FrameID, depth int)
	walk = func(id cdp.FrameID, depth int) {
		f, ok := t.frames[id]
		if !ok {
			return
		}
		fmt.Fprintf(&sb, "%s%s %s\n", strings.Repeat("  ", depth), f.id, f.url)
		children := append([]cdp.FrameID(nil), f.children...)
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(t.mainID, 0)

	return sb.String()
}

// OnFrameAttached inserts the frame as a child of parentID, or as the main
// frame when parentID is empty. Attaching a known frame from its own
// session does nothing. Attaching it from another session moves the frame
// to that session.
func (t *FrameTree) OnFrameAttached(parentID, frameID cdp.FrameID, s Session) *Frame {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.logger.Debugf("FrameTree:OnFrameAttached", "fid:%v pfid:%v sid:%v", frameID, parentID, sessionID(s))

	t.mu.Lock()
	if f, ok := t.frames[frameID]; ok {
		if sessionID(f.session) == sessionID(s) {
			t.mu.Unlock()
			return f
		}
		t.setSession(f, s)
		t.mu.Unlock()
		t.notify(FrameEvent{Type: FrameAdopted, Frame: f})
		return f
	}

	var removed []*Frame
	if parentID == "" {
		if oldMain, ok := t.frames[t.mainID]; ok {
			removed = t.removeLocked(oldMain, nil)
		}
	} else if _, ok := t.frames[parentID]; !ok {
		t.mu.Unlock()
		t.logger.Debugf("FrameTree:OnFrameAttached:return", "fid:%v pfid:%v unknown parent", frameID, parentID)
		return nil
	}

	f := newFrame(t, frameID, parentID, s)
	t.frames[frameID] = f
	if parentID == "" {
		t.mainID = frameID
	} else {
		p := t.frames[parentID]
		p.children = append(p.children, frameID)
	}
	t.mu.Unlock()

	t.finishDetach(removed)
	t.metrics.FrameAttached()
	t.notify(FrameEvent{Type: FrameAttached, Frame: f})
	t.settleFrameWaiters()

	return f
}

// OnFrameNavigated records a committed navigation. A new loader id means a
// new document: the children of the old document are detached and
// new-document navigation waits resolve.
func (t *FrameTree) OnFrameNavigated(frameID cdp.FrameID, url string, loaderID cdp.LoaderID) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	f, ok := t.frames[frameID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debugf("FrameTree:OnFrameNavigated:return", "fid:%v url:%q unknown frame", frameID, url)
		return
	}
	newDocument := f.loaderID != loaderID
	var removed []*Frame
	if newDocument {
		for _, c := range t.childrenOf(f) {
			removed = t.removeLocked(c, removed)
		}
	}
	f.url = url
	f.loaderID = loaderID
	t.mu.Unlock()

	t.logger.Debugf("FrameTree:OnFrameNavigated", "fid:%v url:%q lid:%v newdoc:%t", frameID, url, loaderID, newDocument)
	t.finishDetach(removed)
	t.notify(FrameEvent{Type: FrameNavigated, Frame: f})
	t.settleNavWaiters(f, false)
	t.settleFrameWaiters()
}

// OnFrameNavigatedWithinDocument records a same-document navigation.
func (t *FrameTree) OnFrameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	f := t.Frame(frameID)
	if f == nil {
		return
	}
	t.logger.Debugf("FrameTree:OnFrameNavigatedWithinDocument", "fid:%v url:%q", frameID, url)

	t.mu.Lock()
	f.url = url
	t.mu.Unlock()

	t.notify(FrameEvent{Type: FrameNavigatedWithinDocument, Frame: f})
	t.settleNavWaiters(f, true)
	t.settleFrameWaiters()
}

// OnFrameStartedLoading marks the frame as having started loading.
func (t *FrameTree) OnFrameStartedLoading(frameID cdp.FrameID) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	f := t.Frame(frameID)
	if f == nil {
		return
	}

	t.mu.Lock()
	f.hasStartedLoading = true
	t.mu.Unlock()

	t.notify(FrameEvent{Type: FrameStartedLoading, Frame: f})
	t.settleFrameWaiters()
}

// OnFrameDetached removes the frame and all of its descendants.
func (t *FrameTree) OnFrameDetached(frameID cdp.FrameID) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	var removed []*Frame
	if f, ok := t.frames[frameID]; ok {
		removed = t.removeLocked(f, nil)
	}
	t.mu.Unlock()

	t.finishDetach(removed)
}

// RemoveChildFrames removes the descendants of the frame but keeps the
// frame, which is about to be swapped to another process.
func (t *FrameTree) RemoveChildFrames(frameID cdp.FrameID) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	var removed []*Frame
	if f, ok := t.frames[frameID]; ok {
		for _, c := range t.childrenOf(f) {
			removed = t.removeLocked(c, removed)
		}
	}
	t.mu.Unlock()

	t.finishDetach(removed)
}

// AdoptFrame moves the frame to session s. The frame keeps its identity,
// its children and its pending waits. It reports whether the frame exists.
func (t *FrameTree) AdoptFrame(frameID cdp.FrameID, s Session) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	f, ok := t.frames[frameID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if sessionID(f.session) == sessionID(s) {
		t.mu.Unlock()
		return true
	}
	t.setSession(f, s)
	t.mu.Unlock()

	t.notify(FrameEvent{Type: FrameAdopted, Frame: f})
	t.settleFrameWaiters()

	return true
}

// setSession must be called with mu held.
func (t *FrameTree) setSession(f *Frame, s Session) {
	t.logger.Debugf("FrameTree:adopt", "fid:%v sid:%v->%v", f.id, sessionID(f.session), sessionID(s))
	f.session = s
	t.metrics.FrameAdopted()
}

// OnSessionDetached detaches the frames owned by s, with their descendants.
func (t *FrameTree) OnSessionDetached(s Session) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	sid := sessionID(s)
	t.mu.Lock()
	var roots []*Frame
	for _, f := range t.frames {
		if sessionID(f.session) != sid {
			continue
		}
		if p, ok := t.frames[f.parentID]; ok && sessionID(p.session) == sid {
			continue
		}
		roots = append(roots, f)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].id < roots[j].id })
	var removed []*Frame
	for _, f := range roots {
		removed = t.removeLocked(f, removed)
	}
	t.mu.Unlock()

	t.logger.Debugf("FrameTree:OnSessionDetached", "sid:%v roots:%d", sid, len(roots))
	t.finishDetach(removed)
}

// childrenOf must be called with mu held.
func (t *FrameTree) childrenOf(f *Frame) []*Frame {
	children := make([]*Frame, 0, len(f.children))
	for _, id := range f.children {
		if c, ok := t.frames[id]; ok {
			children = append(children, c)
		}
	}
	return children
}

// removeLocked takes f and its descendants out of the tree, children
// first, and appends them to removed. Must be called with mu held. The
// caller reports them with finishDetach once mu is released.
func (t *FrameTree) removeLocked(f *Frame, removed []*Frame) []*Frame {
	if f.detached {
		return removed
	}
	for _, c := range t.childrenOf(f) {
		removed = t.removeLocked(c, removed)
	}

	f.detached = true
	f.children = nil
	delete(t.frames, f.id)
	if p, ok := t.frames[f.parentID]; ok {
		for i, id := range p.children {
			if id == f.id {
				p.children = append(p.children[:i:i], p.children[i+1:]...)
				break
			}
		}
	}
	if t.mainID == f.id {
		t.mainID = ""
	}
	close(f.detachedCh)

	return append(removed, f)
}

// finishDetach reports frames taken out by removeLocked. Must be called
// with writeMu held and mu released.
func (t *FrameTree) finishDetach(removed []*Frame) {
	for _, f := range removed {
		t.logger.Debugf("FrameTree:detach", "fid:%v url:%q", f.id, f.url)
		t.metrics.FrameDetached()
		t.notify(FrameEvent{Type: FrameDetached, Frame: f})
		t.failNavWaiters(f)
	}
}

func (t *FrameTree) notify(ev FrameEvent) {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]FrameListener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.listeners[id])
	}
	t.mu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

// settleFrameWaiters must be called with writeMu held. Predicates run
// without mu so that they are free to call Frame accessors.
func (t *FrameTree) settleFrameWaiters() {
	t.mu.RLock()
	if len(t.frameWaiters) == 0 {
		t.mu.RUnlock()
		return
	}
	waiters := make([]*frameWaiter, 0, len(t.frameWaiters))
	for w := range t.frameWaiters {
		waiters = append(waiters, w)
	}
	candidates := t.framesLocked()
	t.mu.RUnlock()

	for _, w := range waiters {
		f := firstMatch(candidates, w.match)
		if f == nil {
			continue
		}
		t.mu.Lock()
		if _, ok := t.frameWaiters[w]; ok {
			delete(t.frameWaiters, w)
			w.ch <- f
		}
		t.mu.Unlock()
	}
}

func firstMatch(frames []*Frame, match func(*Frame) bool) *Frame {
	for _, f := range frames {
		if match(f) {
			return f
		}
	}
	return nil
}

// WaitForFrame waits for an attached frame matching predicate. A matching
// frame that is already attached is returned right away. A zero timeout
// waits until ctx is done.
func (t *FrameTree) WaitForFrame(ctx context.Context, predicate func(*Frame) bool, timeout time.Duration) (*Frame, error) {
	const op = "waiting for frame"

	w := &frameWaiter{match: predicate, ch: make(chan *Frame, 1)}

	t.writeMu.Lock()
	if f := firstMatch(t.Frames(), predicate); f != nil {
		t.writeMu.Unlock()
		return f, nil
	}
	t.mu.Lock()
	t.frameWaiters[w] = struct{}{}
	t.mu.Unlock()
	t.writeMu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	forget := func() (*Frame, bool) {
		t.mu.Lock()
		_, pending := t.frameWaiters[w]
		delete(t.frameWaiters, w)
		t.mu.Unlock()
		if pending {
			return nil, false
		}
		return <-w.ch, true
	}

	select {
	case f := <-w.ch:
		return f, nil
	case <-timeoutCh:
		if f, ok := forget(); ok {
			return f, nil
		}
		return nil, &TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		if f, ok := forget(); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// WaitForNavigation waits until the frame navigates as selected by opts
// and returns the frame's loader id. It fails with a DetachedError when the
// frame is detached first.
func (t *FrameTree) WaitForNavigation(ctx context.Context, f *Frame, opts NavigationOptions) (cdp.LoaderID, error) {
	const op = "waiting for navigation"

	w := &navWaiter{frame: f, kind: opts.Kind, fromLoader: opts.LoaderID, ch: make(chan error, 1)}

	t.writeMu.Lock()
	t.mu.Lock()
	if f.detached {
		t.mu.Unlock()
		t.writeMu.Unlock()
		return "", &DetachedError{Op: op, FrameID: f.id}
	}
	if w.fromLoader == "" {
		w.fromLoader = f.loaderID
	}
	if w.kind != NavigationSameDocument && f.loaderID != w.fromLoader {
		lid := f.loaderID
		t.mu.Unlock()
		t.writeMu.Unlock()
		return lid, nil
	}
	t.navWaiters[w] = struct{}{}
	t.mu.Unlock()
	t.writeMu.Unlock()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	// forget reports false if w was resolved concurrently.
	forget := func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		_, pending := t.navWaiters[w]
		delete(t.navWaiters, w)
		return pending
	}

	var err error
	select {
	case err = <-w.ch:
	case <-timeoutCh:
		if !forget() {
			err = <-w.ch
		} else {
			err = &TimeoutError{Op: op, Timeout: opts.Timeout}
		}
	case <-ctx.Done():
		if !forget() {
			err = <-w.ch
		} else {
			err = fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	if err != nil {
		return "", err
	}

	return f.LoaderID(), nil
}

// settleNavWaiters resolves the navigation waits of f satisfied by the
// navigation that just happened. Must be called with writeMu held.
func (t *FrameTree) settleNavWaiters(f *Frame, sameDocument bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for w := range t.navWaiters {
		if w.frame != f {
			continue
		}
		var ok bool
		switch w.kind {
		case NavigationSameDocument:
			ok = sameDocument
		case NavigationNewDocument:
			ok = !sameDocument && f.loaderID != w.fromLoader
		case NavigationAny:
			ok = sameDocument || f.loaderID != w.fromLoader
		}
		if ok {
			delete(t.navWaiters, w)
			w.ch <- nil
		}
	}
}

// failNavWaiters fails the navigation waits of a detached frame.
func (t *FrameTree) failNavWaiters(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for w := range t.navWaiters {
		if w.frame == f {
			delete(t.navWaiters, w)
			w.ch <- &DetachedError{Op: "waiting for navigation", FrameID: f.id}
		}
	}
}
