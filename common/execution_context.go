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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/cdp/domains"
	"github.com/grafana/cdpcore/log"
)

// ErrExecutionContextLost is returned by an Evaluator when the execution
// context used for an evaluation went away, typically because the frame
// navigated or moved to another session.
var ErrExecutionContextLost = errors.New("execution context lost")

// Evaluator evaluates expressions in the main world of a frame.
type Evaluator interface {
	Evaluate(ctx context.Context, f *Frame, expression string, awaitPromise bool) (*runtime.RemoteObject, error)
}

type execContextKey struct {
	sid target.SessionID
	fid cdp.FrameID
}

// ExecutionContexts tracks the default execution context of every frame,
// per session, from the Runtime domain events.
type ExecutionContexts struct {
	mu      sync.Mutex
	byFrame map[execContextKey]runtime.ExecutionContextID
	changed chan struct{}
}

// NewExecutionContexts returns an empty tracker.
func NewExecutionContexts() *ExecutionContexts {
	return &ExecutionContexts{
		byFrame: make(map[execContextKey]runtime.ExecutionContextID),
		changed: make(chan struct{}),
	}
}

type execContextAuxData struct {
	FrameID   cdp.FrameID `json:"frameId"`
	IsDefault bool        `json:"isDefault"`
}

// OnContextCreated handles Runtime.executionContextCreated. Only the
// default context of a frame is kept.
func (c *ExecutionContexts) OnContextCreated(sid target.SessionID, desc *runtime.ExecutionContextDescription) {
	if desc == nil || len(desc.AuxData) == 0 {
		return
	}
	var aux execContextAuxData
	if err := json.Unmarshal(desc.AuxData, &aux); err != nil || !aux.IsDefault || aux.FrameID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byFrame[execContextKey{sid, aux.FrameID}] = desc.ID
	c.wakeLocked()
}

// OnContextDestroyed handles Runtime.executionContextDestroyed.
func (c *ExecutionContexts) OnContextDestroyed(sid target.SessionID, id runtime.ExecutionContextID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.byFrame {
		if k.sid == sid && v == id {
			delete(c.byFrame, k)
		}
	}
	c.wakeLocked()
}

// OnContextsCleared handles Runtime.executionContextsCleared, and the
// detach of a session.
func (c *ExecutionContexts) OnContextsCleared(sid target.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.byFrame {
		if k.sid == sid {
			delete(c.byFrame, k)
		}
	}
	c.wakeLocked()
}

// Get returns the default context of the frame in session sid. The
// returned channel is closed on the next change, which lets callers wait
// for a missing context.
func (c *ExecutionContexts) Get(sid target.SessionID, fid cdp.FrameID) (runtime.ExecutionContextID, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byFrame[execContextKey{sid, fid}]
	return id, c.changed, ok
}

// Wake wakes up the callers waiting for a change, for instance after a
// frame moved to another session.
func (c *ExecutionContexts) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakeLocked()
}

func (c *ExecutionContexts) wakeLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

var _ Evaluator = &frameEvaluator{}

type frameEvaluator struct {
	contexts *ExecutionContexts
	logger   *log.Logger
}

// NewFrameEvaluator returns an Evaluator that runs expressions in the
// default execution context of a frame, on the frame's current session.
// It waits for the context to exist.
func NewFrameEvaluator(contexts *ExecutionContexts, logger *log.Logger) Evaluator {
	return &frameEvaluator{contexts: contexts, logger: logger}
}

func (e *frameEvaluator) Evaluate(ctx context.Context, f *Frame, expression string, awaitPromise bool) (*runtime.RemoteObject, error) {
	for {
		s := f.Session()
		id, changed, ok := e.contexts.Get(s.ID(), f.ID())
		if !ok {
			select {
			case <-changed:
				continue
			case <-f.Detached():
				return nil, &DetachedError{Op: "evaluating expression", FrameID: f.ID()}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := domains.NewRuntime(s).Evaluate(ctx, expression, id, awaitPromise)
		if err != nil && isContextLost(err) {
			e.logger.Debugf("FrameEvaluator:Evaluate", "sid:%v fid:%v ecid:%d context lost: %v", s.ID(), f.ID(), id, err)
			e.contexts.OnContextDestroyed(s.ID(), id)
			return nil, fmt.Errorf("%w: %w", ErrExecutionContextLost, err)
		}

		return res, err
	}
}

func isContextLost(err error) bool {
	if errors.Is(err, cdpconn.ErrSessionClosed) {
		return true
	}
	var msg string
	var perr *cdpconn.ProtocolError
	var eerr *domains.EvaluationError
	switch {
	case errors.As(err, &perr):
		msg = perr.Message
	case errors.As(err, &eerr):
		msg = eerr.Text
	default:
		return false
	}
	for _, s := range []string{
		"Cannot find context with specified id",
		"Execution context was destroyed",
		"Inspected target navigated or closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
