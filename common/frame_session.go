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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/cdp/domains"
	"github.com/grafana/cdpcore/log"
)

// FrameSession feeds the events of one session of a page, the page's own
// or the one of an out-of-process iframe, into the page's frame tree,
// execution contexts and network manager.
type FrameSession struct {
	page     *Page
	session  *cdpconn.Session
	targetID target.ID
	logger   *log.Logger

	unsubscribe func()
}

// newFrameSession subscribes to the events of s. It must be called on the
// read loop, while handling the attach of s, so that no event of s is
// missed.
func newFrameSession(p *Page, s *cdpconn.Session) *FrameSession {
	fs := &FrameSession{
		page:     p,
		session:  s,
		targetID: s.TargetID(),
		logger:   p.logger,
	}
	fs.unsubscribe = s.Subscribe(fs.onEvent,
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventPageFrameStartedLoading,
		cdproto.EventPageFrameDetached,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventTargetAttachedToTarget,
		cdproto.EventTargetDetachedFromTarget,
	)

	return fs
}

func (fs *FrameSession) isMainSession() bool {
	return fs.session == fs.page.session
}

// initialize enables the domains the page needs on the session, seeds the
// frame tree and resumes the target.
func (fs *FrameSession) initialize(ctx context.Context) error {
	fs.logger.Debugf("FrameSession:initialize", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	pageDomain := domains.NewPage(fs.session)
	if err := pageDomain.Enable(ctx); err != nil {
		return err
	}
	tree, err := pageDomain.GetFrameTree(ctx)
	if err != nil {
		return err
	}
	fs.seedFrameTree(tree)

	if err := pageDomain.SetLifecycleEventsEnabled(ctx, true); err != nil {
		return err
	}
	if err := domains.NewRuntime(fs.session).Enable(ctx); err != nil {
		return err
	}
	if err := domains.NewNetwork(fs.session).Enable(ctx); err != nil {
		return err
	}
	if err := domains.NewTarget(fs.session).SetAutoAttach(ctx, true, true, true); err != nil {
		return err
	}
	if err := domains.NewRuntime(fs.session).RunIfWaitingForDebugger(ctx); err != nil {
		return err
	}

	return nil
}

// seedFrameTree applies a frame tree snapshot. Frames the tree already
// knows from events are left as they are, except for the root of an
// out-of-process frame session, which is adopted.
func (fs *FrameSession) seedFrameTree(ft *cdppage.FrameTree) {
	if ft == nil || ft.Frame == nil {
		return
	}
	f := ft.Frame
	if fs.page.tree.OnFrameAttached(f.ParentID, f.ID, fs.session) == nil {
		fs.logger.Debugf("FrameSession:seedFrameTree:return", "sid:%v fid:%v pfid:%v parent gone",
			fs.session.ID(), f.ID, f.ParentID)
		return
	}
	if cur := fs.page.tree.Frame(f.ID); cur != nil && cur.LoaderID() != f.LoaderID {
		fs.page.tree.OnFrameNavigated(f.ID, f.URL+f.URLFragment, f.LoaderID)
	}
	for _, c := range ft.ChildFrames {
		fs.seedFrameTree(c)
	}
}

func (fs *FrameSession) onEvent(ev *cdpconn.Event) {
	switch e := ev.Data.(type) {
	case *cdppage.EventFrameAttached:
		fs.page.tree.OnFrameAttached(e.ParentFrameID, e.FrameID, fs.session)
	case *cdppage.EventFrameNavigated:
		fs.onFrameNavigated(e.Frame)
	case *cdppage.EventNavigatedWithinDocument:
		fs.page.tree.OnFrameNavigatedWithinDocument(e.FrameID, e.URL)
	case *cdppage.EventFrameStartedLoading:
		fs.page.tree.OnFrameStartedLoading(e.FrameID)
	case *cdppage.EventFrameDetached:
		fs.onFrameDetached(e.FrameID, e.Reason)
	case *runtime.EventExecutionContextCreated:
		fs.page.contexts.OnContextCreated(fs.session.ID(), e.Context)
	case *runtime.EventExecutionContextDestroyed:
		fs.page.contexts.OnContextDestroyed(fs.session.ID(), e.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		fs.page.contexts.OnContextsCleared(fs.session.ID())
	case *network.EventRequestWillBeSent:
		fs.page.network.OnRequestWillBeSent(e)
	case *network.EventLoadingFinished:
		fs.page.network.OnLoadingFinished(e.RequestID)
	case *network.EventLoadingFailed:
		fs.page.network.OnLoadingFailed(e.RequestID)
	case *target.EventAttachedToTarget:
		fs.onAttachedToTarget(e)
	case *target.EventDetachedFromTarget:
		fs.onDetachedFromTarget(e)
	default:
		if ev.Method == cdpconn.EventSessionDetached {
			fs.onSessionDetached()
		}
	}
}

func (fs *FrameSession) onFrameNavigated(f *cdp.Frame) {
	if f == nil {
		return
	}
	tree := fs.page.tree
	// the main frame of a page may commit before it was reported attached
	if tree.Frame(f.ID) == nil && f.ParentID == "" && fs.isMainSession() {
		tree.OnFrameAttached("", f.ID, fs.session)
	}
	tree.OnFrameNavigated(f.ID, f.URL+f.URLFragment, f.LoaderID)
}

func (fs *FrameSession) onFrameDetached(fid cdp.FrameID, reason cdppage.FrameDetachedReason) {
	f := fs.page.tree.Frame(fid)
	if f == nil {
		return
	}
	if owner := sessionID(f.Session()); owner != fs.session.ID() {
		fs.logger.Debugf("FrameSession:onFrameDetached:return", "sid:%v fid:%v owned by sid:%v, stale",
			fs.session.ID(), fid, owner)
		return
	}
	if reason == cdppage.FrameDetachedReasonSwap {
		// the frame moves to another process, whose session adopts it
		fs.page.tree.RemoveChildFrames(fid)
		return
	}
	fs.page.tree.OnFrameDetached(fid)
}

func (fs *FrameSession) onAttachedToTarget(ev *target.EventAttachedToTarget) {
	info := ev.TargetInfo
	if info == nil {
		return
	}
	s := fs.session.Connection().Session(ev.SessionID)
	if s == nil {
		return
	}
	fs.logger.Debugf("FrameSession:onAttachedToTarget", "sid:%v tid:%v child sid:%v type:%s",
		fs.session.ID(), info.TargetID, ev.SessionID, info.Type)

	p := fs.page
	registry := p.browser.registry
	registry.OnTargetAttached(info, s, ev.WaitingForDebugger)

	if targetKindOf(info.Type) != TargetKindIFrame {
		go p.browser.resumeTarget(s, info)
		return
	}

	// The frame of an out-of-process iframe has the id of its target.
	if !p.tree.AdoptFrame(cdp.FrameID(info.TargetID), s) {
		fs.logger.Debugf("FrameSession:onAttachedToTarget", "tid:%v frame not in tree", info.TargetID)
	}
	child := newFrameSession(p, s)
	p.addFrameSession(child)
	go func() {
		if err := child.initialize(p.browser.ctx); err != nil {
			p.logInitError(child.session, err)
			return
		}
		registry.MarkInitialized(info.TargetID)
	}()
}

func (fs *FrameSession) onDetachedFromTarget(ev *target.EventDetachedFromTarget) {
	s := fs.session.Connection().Session(ev.SessionID)
	if s == nil {
		return
	}
	fs.logger.Debugf("FrameSession:onDetachedFromTarget", "sid:%v child sid:%v tid:%v", fs.session.ID(), ev.SessionID, s.TargetID())
	fs.page.browser.registry.OnTargetDetached(s.TargetID())
}

func (fs *FrameSession) onSessionDetached() {
	fs.logger.Debugf("FrameSession:onSessionDetached", "sid:%v tid:%v", fs.session.ID(), fs.targetID)

	if fs.unsubscribe != nil {
		fs.unsubscribe()
	}
	fs.page.tree.OnSessionDetached(fs.session)
	fs.page.contexts.OnContextsCleared(fs.session.ID())
	fs.page.removeFrameSession(fs.session.ID())
	if fs.isMainSession() {
		fs.page.didClose()
	}
}

func (fs *FrameSession) String() string {
	return fmt.Sprintf("FrameSession{sid:%v tid:%v}", fs.session.ID(), fs.targetID)
}
