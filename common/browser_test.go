package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/cdp/cdptest"
	"github.com/grafana/cdpcore/log"
)

const browserTestTimeout = 5 * time.Second

// fakeBrowser scripts the browser side of a connection: the targets
// reported by Target.getTargets and the frame tree of every session.
type fakeBrowser struct {
	tr *cdptest.Transport

	mu      sync.Mutex
	targets []*target.Info
	trees   map[target.SessionID]*cdppage.FrameTree
}

func newFakeBrowser(targets ...*target.Info) *fakeBrowser {
	fb := &fakeBrowser{
		tr:      cdptest.NewTransport(),
		targets: targets,
		trees:   make(map[target.SessionID]*cdppage.FrameTree),
	}
	fb.tr.Handle(target.CommandGetTargets, func(*cdptest.Request) (any, error) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return &target.GetTargetsReturns{TargetInfos: fb.targets}, nil
	})
	fb.tr.Handle(cdppage.CommandGetFrameTree, func(r *cdptest.Request) (any, error) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		tree, ok := fb.trees[r.SessionID]
		if !ok {
			return nil, &cdproto.Error{Code: -32601, Message: "'Page.getFrameTree' wasn't found"}
		}
		return &cdppage.GetFrameTreeReturns{FrameTree: tree}, nil
	})

	return fb
}

// attach emits the attach of a new session to info on parent. The frame
// tree of the session is tree.
func (fb *fakeBrowser) attach(parent target.SessionID, info *target.Info, tree *cdppage.FrameTree) target.SessionID {
	sid := cdptest.NewSessionID()
	if tree != nil {
		fb.mu.Lock()
		fb.trees[sid] = tree
		fb.mu.Unlock()
	}
	fb.tr.Emit(parent, cdproto.EventTargetAttachedToTarget, &target.EventAttachedToTarget{
		SessionID:          sid,
		TargetInfo:         info,
		WaitingForDebugger: true,
	})

	return sid
}

func testFrame(id, parentID, loaderID, url string) *cdp.Frame {
	return &cdp.Frame{
		ID:                             cdp.FrameID(id),
		ParentID:                       cdp.FrameID(parentID),
		LoaderID:                       cdp.LoaderID(loaderID),
		URL:                            url,
		SecureContextType:              cdp.SecureContextTypeSecure,
		CrossOriginIsolatedContextType: cdp.CrossOriginIsolatedContextTypeNotIsolated,
	}
}

func frameTree(f *cdp.Frame, children ...*cdppage.FrameTree) *cdppage.FrameTree {
	return &cdppage.FrameTree{Frame: f, ChildFrames: children}
}

func iframeInfo(id string) *target.Info {
	return &target.Info{TargetID: target.ID(id), Type: "iframe", URL: "https://b.test/"}
}

func startBrowser(t *testing.T, fb *fakeBrowser) *Browser {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewNullLogger()
	conn := cdpconn.NewConnection(ctx, fb.tr, logger)
	b, err := NewBrowser(ctx, conn, NewOptions(), logger, nil, nil)
	require.NoError(t, err)

	return b
}

func attachPage(t *testing.T, b *Browser, fb *fakeBrowser, info *target.Info, tree *cdppage.FrameTree) (*Page, target.SessionID) {
	t.Helper()

	sid := fb.attach("", info, tree)
	p, err := b.WaitForPage(context.Background(), func(p *Page) bool {
		return p.TargetID() == info.TargetID
	}, browserTestTimeout)
	require.NoError(t, err)

	return p, sid
}

func TestBrowserConnect(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(
		pageInfo("T1", "about:blank"),
		&target.Info{TargetID: "B1", Type: "browser"},
	)
	b := startBrowser(t, fb)

	var methods []string
	for _, r := range fb.tr.Requests("") {
		if r.SessionID == "" {
			methods = append(methods, r.Method)
		}
	}
	require.GreaterOrEqual(t, len(methods), 3)
	assert.Equal(t, []string{
		target.CommandGetTargets,
		target.CommandSetDiscoverTargets,
		target.CommandSetAutoAttach,
	}, methods[:3], "the snapshot is taken before discovery and auto-attach")

	ts := b.Targets()
	require.Len(t, ts, 2)
	assert.Equal(t, target.ID("B1"), ts[0].ID)
	assert.Equal(t, TargetStateInitialized, ts[0].State, "targets of other kinds are usable right away")
	assert.Equal(t, target.ID("T1"), ts[1].ID)
	assert.Equal(t, TargetStateDiscovered, ts[1].State)
	assert.True(t, b.IsConnected())
}

func TestBrowserPageAttach(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)

	p, sid := attachPage(t, b, fb, pageInfo("T1", "about:blank"),
		frameTree(testFrame("T1", "", "L1", "about:blank")))

	assert.Equal(t, sid, p.Session().ID())
	assert.Same(t, b.DefaultContext(), p.Context())
	require.NotNil(t, p.MainFrame())
	assert.Equal(t, "T1 about:blank\n", p.Dump())

	tg, ok := b.Registry().Target("T1")
	require.True(t, ok)
	assert.Equal(t, TargetStateInitialized, tg.State)
	assert.Equal(t, sid, sessionID(tg.Session))

	_, err := fb.tr.WaitForRequest(sid, "Runtime.runIfWaitingForDebugger", browserTestTimeout)
	require.NoError(t, err)
	assert.Equal(t, []*Page{p}, b.Pages())
	assert.Equal(t, []*Page{p}, b.DefaultContext().Pages())
}

func TestBrowserWorkerAttach(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	_, psid := attachPage(t, b, fb, pageInfo("T1", "about:blank"),
		frameTree(testFrame("T1", "", "L1", "about:blank")))

	wsid := fb.attach(psid, &target.Info{TargetID: "W1", Type: "worker", URL: "https://a.test/w.js"}, nil)
	tg, err := b.WaitForTarget(context.Background(), func(t Target) bool {
		return t.Kind == TargetKindWorker
	}, browserTestTimeout)
	require.NoError(t, err)
	assert.Equal(t, target.ID("W1"), tg.ID)
	assert.Equal(t, wsid, sessionID(tg.Session))
	assert.Nil(t, b.Page("W1"), "workers have no page")

	fb.tr.Emit(psid, cdproto.EventTargetDetachedFromTarget, &target.EventDetachedFromTarget{SessionID: wsid})
	assert.Eventually(t, func() bool {
		_, ok := b.Registry().Target("W1")
		return !ok
	}, browserTestTimeout, time.Millisecond)
}

func TestBrowserOutOfProcessFrame(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	p, psid := attachPage(t, b, fb, pageInfo("T1", "https://a.test/"),
		frameTree(testFrame("T1", "", "L1", "https://a.test/"),
			frameTree(testFrame("F1", "T1", "L2", "https://a.test/frame"))))
	require.Equal(t, "T1 https://a.test/\n  F1 https://a.test/frame\n", p.Dump())

	f1 := p.Frame("F1")
	require.NotNil(t, f1)

	// the frame moves to another process
	fb.tr.Emit(psid, cdproto.EventPageFrameDetached, &cdppage.EventFrameDetached{
		FrameID: "F1",
		Reason:  cdppage.FrameDetachedReasonSwap,
	})
	csid := fb.attach(psid, iframeInfo("F1"),
		frameTree(testFrame("F1", "T1", "L3", "https://b.test/")))

	f, err := p.WaitForFrame(context.Background(), func(f *Frame) bool {
		return f.ID() == "F1" && f.URL() == "https://b.test/"
	}, browserTestTimeout)
	require.NoError(t, err)
	assert.Same(t, f1, f, "the adopted frame keeps its identity")
	assert.Equal(t, csid, sessionID(f.Session()))
	assert.True(t, f.IsOOPFrame())

	tg, err := b.Registry().WaitForTargetInitialized(context.Background(), "F1", browserTestTimeout)
	require.NoError(t, err)
	assert.Equal(t, TargetKindIFrame, tg.Kind)
	assert.ElementsMatch(t, []target.SessionID{psid, csid}, p.Sessions())

	fb.tr.Emit(psid, cdproto.EventTargetDetachedFromTarget, &target.EventDetachedFromTarget{SessionID: csid})
	select {
	case <-f1.Detached():
	case <-time.After(browserTestTimeout):
		t.Fatal("frame of the detached session was not detached")
	}
	assert.Nil(t, p.Frame("F1"))
	assert.Eventually(t, func() bool {
		_, ok := b.Registry().Target("F1")
		return !ok && len(p.Sessions()) == 1
	}, browserTestTimeout, time.Millisecond)
}

func TestBrowserReconnectDump(t *testing.T) {
	t.Parallel()

	// The first connection sees the frame in the page's process before it
	// moves, the second one only ever sees it in its own session.
	fb1 := newFakeBrowser()
	b1 := startBrowser(t, fb1)
	p1, psid1 := attachPage(t, b1, fb1, pageInfo("T1", "https://a.test/"),
		frameTree(testFrame("T1", "", "L1", "https://a.test/"),
			frameTree(testFrame("F1", "T1", "L2", "https://a.test/frame"))))
	fb1.attach(psid1, iframeInfo("F1"), frameTree(testFrame("F1", "T1", "L3", "https://b.test/")))
	_, err := b1.Registry().WaitForTargetInitialized(context.Background(), "F1", browserTestTimeout)
	require.NoError(t, err)

	fb2 := newFakeBrowser(pageInfo("T1", "https://a.test/"), iframeInfo("F1"))
	b2 := startBrowser(t, fb2)
	p2, psid2 := attachPage(t, b2, fb2, pageInfo("T1", "https://a.test/"),
		frameTree(testFrame("T1", "", "L1", "https://a.test/")))
	fb2.attach(psid2, iframeInfo("F1"), frameTree(testFrame("F1", "T1", "L3", "https://b.test/")))
	_, err = b2.Registry().WaitForTargetInitialized(context.Background(), "F1", browserTestTimeout)
	require.NoError(t, err)

	assert.Equal(t, "T1 https://a.test/\n  F1 https://b.test/\n", p1.Dump())
	assert.Equal(t, p1.Dump(), p2.Dump())
}

func TestBrowserNavigate(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	p, psid := attachPage(t, b, fb, pageInfo("T1", "about:blank"),
		frameTree(testFrame("T1", "", "L1", "about:blank")))

	fb.tr.Handle(cdppage.CommandNavigate, func(r *cdptest.Request) (any, error) {
		var params cdppage.NavigateParams
		if err := r.Decode(&params); err != nil {
			return nil, err
		}
		fb.tr.Emit(r.SessionID, cdproto.EventPageFrameNavigated, &cdppage.EventFrameNavigated{
			Frame: testFrame(string(params.FrameID), "", "L2", params.URL),
			Type:  cdppage.NavigationTypeNavigation,
		})
		return &cdppage.NavigateReturns{FrameID: params.FrameID, LoaderID: "L2"}, nil
	})

	lid, err := p.Navigate(context.Background(), nil, "https://a.test/")
	require.NoError(t, err)
	assert.Equal(t, cdp.LoaderID("L2"), lid)
	assert.Equal(t, "https://a.test/", p.MainFrame().URL())

	reqs := fb.tr.Requests(cdppage.CommandNavigate)
	require.Len(t, reqs, 1)
	assert.Equal(t, psid, reqs[0].SessionID)
}

func TestBrowserNetworkIdle(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	p, psid := attachPage(t, b, fb, pageInfo("T1", "https://a.test/"),
		frameTree(testFrame("T1", "", "L1", "https://a.test/")))

	fb.tr.Emit(psid, cdproto.EventNetworkRequestWillBeSent, &network.EventRequestWillBeSent{
		RequestID: "R1",
		LoaderID:  "L1",
		FrameID:   "T1",
		Request: &network.Request{
			URL:             "https://a.test/app.js",
			Method:          "GET",
			InitialPriority: network.ResourcePriorityHigh,
			ReferrerPolicy:  network.ReferrerPolicyNoReferrer,
		},
	})
	require.Eventually(t, func() bool { return p.network.InflightRequests() == 1 },
		browserTestTimeout, time.Millisecond)

	res := make(chan error, 1)
	go func() {
		res <- p.WaitForNetworkIdle(context.Background(), nil, &WaitForNetworkIdleOptions{
			IdleTime: null.IntFrom(testIdleTime.Milliseconds()),
			Timeout:  null.IntFrom(browserTestTimeout.Milliseconds()),
		})
	}()
	assertPending(t, res, 3*testIdleTime)

	fb.tr.Emit(psid, cdproto.EventNetworkLoadingFinished, &network.EventLoadingFinished{RequestID: "R1"})
	require.NoError(t, receiveErr(t, res))
	assert.Zero(t, p.network.InflightRequests())
}

func TestBrowserContexts(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)

	fb.tr.Handle(target.CommandCreateBrowserContext, func(*cdptest.Request) (any, error) {
		return &target.CreateBrowserContextReturns{BrowserContextID: "C1"}, nil
	})
	fb.tr.Handle(target.CommandCreateTarget, func(r *cdptest.Request) (any, error) {
		var params target.CreateTargetParams
		if err := r.Decode(&params); err != nil {
			return nil, err
		}
		info := &target.Info{TargetID: "T2", Type: "page", URL: params.URL, BrowserContextID: params.BrowserContextID}
		fb.attach("", info, frameTree(testFrame("T2", "", "L1", params.URL)))
		return &target.CreateTargetReturns{TargetID: "T2"}, nil
	})

	bctx, err := b.NewContext(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, cdp.BrowserContextID("C1"), bctx.ID())
	assert.Equal(t, []*BrowserContext{bctx}, b.Contexts())

	p, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, target.ID("T2"), p.TargetID())
	assert.Same(t, bctx, p.Context())
	assert.Equal(t, []*Page{p}, bctx.Pages())
	assert.Empty(t, b.DefaultContext().Pages())

	ts := bctx.Targets()
	require.Len(t, ts, 1)
	assert.Equal(t, target.ID("T2"), ts[0].ID)
	assert.Empty(t, b.DefaultContext().Targets())

	require.NoError(t, bctx.Close(context.Background()))
	assert.Empty(t, b.Contexts())
	assert.Len(t, fb.tr.Requests(target.CommandDisposeBrowserContext), 1)

	assert.ErrorIs(t, b.DefaultContext().Close(context.Background()), ErrDefaultContext)
}

func TestBrowserVersion(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	fb.tr.Handle(browser.CommandGetVersion, func(*cdptest.Request) (any, error) {
		return map[string]string{
			"product":   "HeadlessChrome/120.0.6099.0",
			"userAgent": "Mozilla/5.0 HeadlessChrome/120.0.6099.0",
		}, nil
	})

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "120.0.6099.0", v)

	ua, err := b.UserAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 HeadlessChrome/120.0.6099.0", ua)
}

func TestBrowserClose(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	p, _ := attachPage(t, b, fb, pageInfo("T1", "about:blank"),
		frameTree(testFrame("T1", "", "L1", "about:blank")))

	require.NoError(t, b.Close(context.Background()))
	assert.Len(t, fb.tr.Requests(browser.CommandClose), 1)
	assert.False(t, b.IsConnected())

	select {
	case <-p.Done():
	case <-time.After(browserTestTimeout):
		t.Fatal("page was not closed with the connection")
	}

	// closing twice is a no-op
	require.NoError(t, b.Close(context.Background()))
	assert.Len(t, fb.tr.Requests(browser.CommandClose), 1)
}

func TestBrowserConnectionLost(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser()
	b := startBrowser(t, fb)
	p, _ := attachPage(t, b, fb, pageInfo("T1", "about:blank"),
		frameTree(testFrame("T1", "", "L1", "about:blank")))

	res := make(chan error, 1)
	go func() {
		_, err := b.WaitForTarget(context.Background(), func(t Target) bool { return t.ID == "T9" }, 0)
		res <- err
	}()

	fb.tr.Fail(errors.New("websocket: close 1006 (abnormal closure)"))
	err := receiveErr(t, res)
	assert.ErrorIs(t, err, cdpconn.ErrConnectionClosed)

	select {
	case <-b.Done():
	case <-time.After(browserTestTimeout):
		t.Fatal("browser did not notice the lost connection")
	}
	assert.False(t, b.IsConnected())
	select {
	case <-p.Done():
	case <-time.After(browserTestTimeout):
		t.Fatal("page was not closed with the connection")
	}

	_, err = b.WaitForPage(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, cdpconn.ErrConnectionClosed)
}
