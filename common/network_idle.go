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
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
)

// idleTracker counts the requests in flight in a frame subtree and closes
// idle once the count stayed at zero for window.
//
// The counter is changed with mu held, together with arming or stopping
// the timer. Each arm bumps gen, so a timer that fires after the counter
// left zero finds a stale generation and does nothing.
type idleTracker struct {
	root   *Frame
	window time.Duration

	mu       sync.Mutex
	inflight atomic.Int64
	requests map[network.RequestID]struct{}
	gen      uint64
	timer    *time.Timer
	stopped  bool

	idle     chan struct{}
	idleOnce sync.Once
}

func newIdleTracker(root *Frame, window time.Duration) *idleTracker {
	return &idleTracker{
		root:     root,
		window:   window,
		requests: make(map[network.RequestID]struct{}),
		idle:     make(chan struct{}),
	}
}

func (it *idleTracker) started(id network.RequestID) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if _, ok := it.requests[id]; ok {
		return
	}
	it.requests[id] = struct{}{}
	if it.inflight.Add(1) == 1 {
		it.disarmLocked()
	}
}

func (it *idleTracker) finished(id network.RequestID) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if _, ok := it.requests[id]; !ok {
		return
	}
	delete(it.requests, id)
	if it.inflight.Add(-1) == 0 {
		it.armLocked()
	}
}

// arm starts the idle timer if nothing is in flight.
func (it *idleTracker) arm() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.inflight.Load() == 0 {
		it.armLocked()
	}
}

func (it *idleTracker) armLocked() {
	if it.stopped {
		return
	}
	it.disarmLocked()
	gen := it.gen
	it.timer = time.AfterFunc(it.window, func() { it.fire(gen) })
}

func (it *idleTracker) disarmLocked() {
	it.gen++
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
}

func (it *idleTracker) fire(gen uint64) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if gen != it.gen || it.inflight.Load() != 0 {
		return
	}
	it.idleOnce.Do(func() { close(it.idle) })
}

func (it *idleTracker) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.stopped = true
	it.disarmLocked()
}
