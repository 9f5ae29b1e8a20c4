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
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
)

// DefaultNetworkIdleTime is the quiet interval a network idle wait
// requires when none is given.
const DefaultNetworkIdleTime = 500 * time.Millisecond

// NetworkManager keeps the requests in flight in the frames of one page and
// feeds them to network idle waits.
type NetworkManager struct {
	tree    *FrameTree
	conn    ConnectionState
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[network.RequestID]cdp.FrameID
	trackers map[*idleTracker]struct{}
}

// NewNetworkManager returns a manager attributing requests to the frames
// of tree. conn and m may be nil.
func NewNetworkManager(tree *FrameTree, conn ConnectionState, logger *log.Logger, m *metrics.Metrics) *NetworkManager {
	nm := &NetworkManager{
		tree:     tree,
		conn:     conn,
		logger:   logger,
		metrics:  m,
		inflight: make(map[network.RequestID]cdp.FrameID),
		trackers: make(map[*idleTracker]struct{}),
	}
	tree.On(func(ev FrameEvent) {
		if ev.Type == FrameDetached {
			nm.dropFrame(ev.Frame.ID())
		}
	})

	return nm
}

// InflightRequests returns the number of requests in flight.
func (m *NetworkManager) InflightRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// OnRequestWillBeSent records a request start. A redirect keeps the
// request in flight under the same id.
func (m *NetworkManager) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request != nil {
		for _, scheme := range []string{"data:", "blob:"} {
			if strings.HasPrefix(ev.Request.URL, scheme) {
				m.logger.Debugf("NetworkManager:OnRequestWillBeSent:return", "rid:%v skipping request handling of %s URL", ev.RequestID, strings.TrimSuffix(scheme, ":"))
				return
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if fid, ok := m.inflight[ev.RequestID]; ok {
		if fid == ev.FrameID {
			m.logger.Debugf("NetworkManager:OnRequestWillBeSent", "rid:%v fid:%v redirect", ev.RequestID, ev.FrameID)
			return
		}
		m.finishedLocked(ev.RequestID)
	}
	m.logger.Debugf("NetworkManager:OnRequestWillBeSent", "rid:%v fid:%v", ev.RequestID, ev.FrameID)

	m.inflight[ev.RequestID] = ev.FrameID
	for it := range m.trackers {
		if m.inSubtree(ev.FrameID, it.root) {
			it.started(ev.RequestID)
		}
	}
}

// OnLoadingFinished records a request that completed.
func (m *NetworkManager) OnLoadingFinished(id network.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("NetworkManager:OnLoadingFinished", "rid:%v", id)
	m.finishedLocked(id)
}

// OnLoadingFailed records a request that failed or was canceled.
func (m *NetworkManager) OnLoadingFailed(id network.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debugf("NetworkManager:OnLoadingFailed", "rid:%v", id)
	m.finishedLocked(id)
}

func (m *NetworkManager) finishedLocked(id network.RequestID) {
	if _, ok := m.inflight[id]; !ok {
		return
	}
	delete(m.inflight, id)
	for it := range m.trackers {
		it.finished(id)
	}
}

// dropFrame forgets the requests of a detached frame. Their events will
// not arrive once the frame's session is gone.
func (m *NetworkManager) dropFrame(fid cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, f := range m.inflight {
		if f == fid {
			m.finishedLocked(id)
		}
	}
}

// inSubtree reports whether fid is root or one of its descendants.
func (m *NetworkManager) inSubtree(fid cdp.FrameID, root *Frame) bool {
	for f := m.tree.Frame(fid); f != nil; f = f.ParentFrame() {
		if f == root {
			return true
		}
	}
	return false
}

// WaitForNetworkIdle waits until no request attributed to root or its
// descendants has been in flight for idleTime. Requests already in flight
// count. A zero idleTime uses DefaultNetworkIdleTime, a zero timeout waits
// until ctx is done.
func (m *NetworkManager) WaitForNetworkIdle(ctx context.Context, root *Frame, idleTime, timeout time.Duration) error {
	const op = "waiting for network idle"

	if idleTime <= 0 {
		idleTime = DefaultNetworkIdleTime
	}
	start := time.Now()
	err := m.waitForNetworkIdle(ctx, op, root, idleTime, timeout)
	m.metrics.WaitFinished("network_idle", outcomeOf(err), time.Since(start))

	return err
}

func (m *NetworkManager) waitForNetworkIdle(ctx context.Context, op string, root *Frame, idleTime, timeout time.Duration) error {
	if root.IsDetached() {
		return &DetachedError{Op: op, FrameID: root.ID()}
	}

	it := newIdleTracker(root, idleTime)
	m.mu.Lock()
	for id, fid := range m.inflight {
		if m.inSubtree(fid, root) {
			it.started(id)
		}
	}
	it.arm()
	m.trackers[it] = struct{}{}
	m.mu.Unlock()

	m.logger.Debugf("NetworkManager:WaitForNetworkIdle", "fid:%v idle:%s timeout:%s inflight:%d", root.ID(), idleTime, timeout, it.inflight.Load())

	defer func() {
		m.mu.Lock()
		delete(m.trackers, it)
		m.mu.Unlock()
		it.stop()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	var connDone <-chan struct{}
	if m.conn != nil {
		connDone = m.conn.Done()
	}

	select {
	case <-it.idle:
		return nil
	case <-root.Detached():
		if m.conn != nil && m.conn.Err() != nil {
			return fmt.Errorf("%s: %w", op, m.conn.Err())
		}
		return &DetachedError{Op: op, FrameID: root.ID()}
	case <-connDone:
		return fmt.Errorf("%s: %w", op, m.conn.Err())
	case <-timeoutCh:
		return &TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
