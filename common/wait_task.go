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
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/runtime"

	cdpconn "github.com/grafana/cdpcore/cdp"
	"github.com/grafana/cdpcore/common/js"
	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/metrics"
)

// Visibility is the state a selector wait requires from the matched element.
type Visibility int

// Visibility modes.
const (
	VisibilityAny Visibility = iota
	VisibilityVisible
	VisibilityHidden
)

func (v Visibility) String() string {
	switch v {
	case VisibilityVisible:
		return "visible"
	case VisibilityHidden:
		return "hidden"
	default:
		return "any"
	}
}

// Predicate is the condition a wait task waits for. It is either a
// selector with a visibility mode, or a JavaScript expression that must
// evaluate to a truthy value.
type Predicate struct {
	Selector   string
	Visibility Visibility
	Expression string
}

// SelectorPredicate waits for selector. Selectors starting with "xpath/"
// or "//" are XPath expressions, others are CSS selectors.
func SelectorPredicate(selector string, v Visibility) Predicate {
	return Predicate{Selector: selector, Visibility: v}
}

// ExpressionPredicate waits for expression to be truthy.
func ExpressionPredicate(expression string) Predicate {
	return Predicate{Expression: expression}
}

func (p Predicate) isSelector() bool { return p.Expression == "" }

func (p Predicate) kind() string {
	if p.isSelector() {
		return "selector"
	}
	return "function"
}

func (p Predicate) op() string {
	if p.isSelector() {
		return fmt.Sprintf("waiting for selector `%s`", p.Selector)
	}
	return "waiting for function"
}

// expression returns the JavaScript expression evaluating the predicate.
func (p Predicate) expression() string {
	if !p.isSelector() {
		return p.Expression
	}

	selector, isXPath := p.Selector, false
	switch {
	case strings.HasPrefix(selector, "xpath/"):
		selector, isXPath = strings.TrimPrefix(selector, "xpath/"), true
	case strings.HasPrefix(selector, "//"):
		isXPath = true
	}
	args, _ := json.Marshal([]any{selector, isXPath, p.Visibility.String()})

	return fmt.Sprintf("(%s)(...%s)", strings.TrimSpace(js.SelectorPredicateScript), args)
}

// PollingKind selects when a wait task evaluates its predicate again.
type PollingKind int

// Polling strategies.
const (
	// PollingDefault is PollingMutation for selectors waiting for any
	// state and PollingRAF otherwise.
	PollingDefault PollingKind = iota
	PollingInterval
	PollingMutation
	PollingRAF
	// PollingNone evaluates the predicate exactly once.
	PollingNone
)

// Polling is a polling strategy.
type Polling struct {
	Kind     PollingKind
	Interval time.Duration
}

// PollingEvery evaluates the predicate every d.
func PollingEvery(d time.Duration) Polling {
	return Polling{Kind: PollingInterval, Interval: d}
}

func (p Polling) String() string {
	switch p.Kind {
	case PollingInterval:
		return fmt.Sprintf("interval(%s)", p.Interval)
	case PollingMutation:
		return "mutation"
	case PollingRAF:
		return "raf"
	case PollingNone:
		return "none"
	default:
		return "default"
	}
}

func (p Polling) resolve(pred Predicate) Polling {
	if p.Kind != PollingDefault {
		return p
	}
	if pred.isSelector() && pred.Visibility == VisibilityAny {
		return Polling{Kind: PollingMutation}
	}
	return Polling{Kind: PollingRAF}
}

// WaitParams describe a wait task.
type WaitParams struct {
	Frame     *Frame
	Predicate Predicate
	Polling   Polling
	// Timeout of zero waits until the frame detaches or ctx is done.
	Timeout time.Duration
}

// ConnectionState is the part of a connection a wait task watches.
type ConnectionState interface {
	Done() <-chan struct{}
	Err() error
}

var _ ConnectionState = &cdpconn.Connection{}

// WaitTaskScheduler runs wait tasks. Any number of tasks can run at the
// same time, on the same frame or on different ones.
type WaitTaskScheduler struct {
	eval    Evaluator
	conn    ConnectionState
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewWaitTaskScheduler returns a scheduler evaluating predicates with eval.
// m may be nil.
func NewWaitTaskScheduler(eval Evaluator, conn ConnectionState, logger *log.Logger, m *metrics.Metrics) *WaitTaskScheduler {
	return &WaitTaskScheduler{eval: eval, conn: conn, logger: logger, metrics: m}
}

type waitResult struct {
	obj *runtime.RemoteObject
	err error
}

type waitTask struct {
	*WaitTaskScheduler

	params  WaitParams
	polling Polling
	op      string

	ctx      context.Context
	cancel   context.CancelFunc
	resolved atomic.Bool
	result   chan waitResult
}

// Wait evaluates the predicate in the frame until it holds and returns the
// value it evaluated to. A selector wait for hidden that matches nothing
// returns a nil object.
//
// Exactly one of these ends a wait: the predicate holds, the timeout
// elapses (*TimeoutError), the frame detaches (*DetachedError), the
// evaluation fails, the connection closes, or ctx is done.
func (s *WaitTaskScheduler) Wait(ctx context.Context, p WaitParams) (*runtime.RemoteObject, error) {
	if p.Polling.Kind == PollingInterval && p.Polling.Interval <= 0 {
		return nil, fmt.Errorf("%s: polling interval must be positive, got %s", p.Predicate.op(), p.Polling.Interval)
	}

	w := &waitTask{
		WaitTaskScheduler: s,
		params:            p,
		polling:           p.Polling.resolve(p.Predicate),
		op:                p.Predicate.op(),
		result:            make(chan waitResult, 1),
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	defer w.cancel()

	start := time.Now()
	s.logger.Debugf("WaitTask:start", "fid:%v %s polling:%s timeout:%s", p.Frame.ID(), w.op, w.polling, p.Timeout)

	go w.watch(ctx)
	go w.run()

	res := <-w.result
	s.metrics.WaitFinished(p.Predicate.kind(), outcomeOf(res.err), time.Since(start))
	s.logger.Debugf("WaitTask:done", "fid:%v %s elapsed:%s err:%v", p.Frame.ID(), w.op, time.Since(start), res.err)

	return res.obj, res.err
}

// finish resolves the task. Only the first call has an effect.
func (w *waitTask) finish(obj *runtime.RemoteObject, err error) {
	if !w.resolved.CompareAndSwap(false, true) {
		return
	}
	w.result <- waitResult{obj: obj, err: err}
	w.cancel()
}

func (w *waitTask) done() bool { return w.resolved.Load() }

// watch ends the task on timeout, detach, connection loss or cancellation.
func (w *waitTask) watch(parent context.Context) {
	var timeoutCh <-chan time.Time
	if w.params.Timeout > 0 {
		timer := time.NewTimer(w.params.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-timeoutCh:
		w.finish(nil, &TimeoutError{Op: w.op, Timeout: w.params.Timeout})
	case <-w.params.Frame.Detached():
		// Frames are detached when the connection dies. That is reported
		// as such.
		if err := w.connErr(); err != nil {
			w.finish(nil, err)
			return
		}
		w.finish(nil, &DetachedError{Op: w.op, FrameID: w.params.Frame.ID()})
	case <-w.connDone():
		w.finish(nil, w.connErr())
	case <-w.ctx.Done():
		// either finished, or parent is done
		if err := parent.Err(); err != nil {
			w.finish(nil, fmt.Errorf("%s: %w", w.op, err))
		}
	}
}

func (w *waitTask) connDone() <-chan struct{} {
	if w.conn == nil {
		return nil
	}
	return w.conn.Done()
}

func (w *waitTask) connErr() error {
	if w.conn == nil {
		return nil
	}
	if err := w.conn.Err(); err != nil {
		return fmt.Errorf("%s: %w", w.op, err)
	}
	return nil
}

// run evaluates the predicate, then waits for the polling trigger, until
// the task is resolved.
func (w *waitTask) run() {
	predicate := w.params.Predicate.expression()

	for !w.done() {
		obj, err := w.eval.Evaluate(w.ctx, w.params.Frame, predicate, false)
		if err != nil {
			w.fail(err)
			continue
		}
		if isTruthy(obj) || w.polling.Kind == PollingNone {
			w.finish(w.value(obj), nil)
			return
		}
		if err := w.trigger(predicate); err != nil {
			w.fail(err)
		}
	}
}

// fail ends the task with err unless err can be recovered from by
// evaluating again.
func (w *waitTask) fail(err error) {
	if w.done() {
		return
	}
	if errors.Is(err, ErrExecutionContextLost) && !w.params.Frame.IsDetached() {
		w.logger.Debugf("WaitTask:retry", "fid:%v %s: %v", w.params.Frame.ID(), w.op, err)
		return
	}
	var derr *DetachedError
	if errors.As(err, &derr) {
		// the watcher reports it
		<-w.ctx.Done()
		return
	}
	w.finish(nil, fmt.Errorf("%s: %w", w.op, err))
}

// trigger blocks until the predicate should be evaluated again.
func (w *waitTask) trigger(predicate string) error {
	switch w.polling.Kind {
	case PollingInterval:
		timer := time.NewTimer(w.polling.Interval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-w.ctx.Done():
		}
		return nil
	case PollingMutation:
		_, err := w.eval.Evaluate(w.ctx, w.params.Frame, mutationTrigger(predicate), true)
		return err
	default:
		_, err := w.eval.Evaluate(w.ctx, w.params.Frame, rafTrigger(), true)
		return err
	}
}

// mutationTrigger returns an expression awaiting the next DOM mutation, or
// nothing when predicate already holds.
func mutationTrigger(predicate string) string {
	return fmt.Sprintf("(%s)(() => (%s))", strings.TrimSpace(js.MutationTriggerScript), predicate)
}

// rafTrigger returns an expression awaiting the next animation frame.
func rafTrigger() string {
	return fmt.Sprintf("(%s)()", strings.TrimSpace(js.RAFTriggerScript))
}

// value maps the predicate result to the task's value.
func (w *waitTask) value(obj *runtime.RemoteObject) *runtime.RemoteObject {
	if w.params.Predicate.isSelector() && obj != nil && obj.Type == runtime.TypeBoolean {
		return nil
	}
	return obj
}

func isTruthy(obj *runtime.RemoteObject) bool {
	if obj == nil {
		return false
	}
	switch obj.Type {
	case runtime.TypeUndefined:
		return false
	case runtime.TypeObject:
		return obj.Subtype != runtime.SubtypeNull
	case runtime.TypeBoolean:
		return string(obj.Value) == "true"
	case runtime.TypeNumber:
		if obj.UnserializableValue != "" {
			u := string(obj.UnserializableValue)
			return u != "-0" && u != "NaN"
		}
		return string(obj.Value) != "0"
	case runtime.TypeString:
		return string(obj.Value) != `""`
	case runtime.TypeBigint:
		return string(obj.UnserializableValue) != "0n"
	default:
		return true
	}
}

func outcomeOf(err error) string {
	var (
		terr *TimeoutError
		derr *DetachedError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &terr):
		return metrics.OutcomeTimeout
	case errors.As(err, &derr):
		return metrics.OutcomeDetached
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
