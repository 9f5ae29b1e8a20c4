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
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpcore/log"
)

// TargetKind is the coarse kind of a target.
type TargetKind string

// Target kinds.
const (
	TargetKindPage   TargetKind = "page"
	TargetKindIFrame TargetKind = "iframe"
	TargetKindWorker TargetKind = "worker"
	TargetKindOther  TargetKind = "other"
)

func targetKindOf(typ string) TargetKind {
	switch typ {
	case "page", "background_page":
		return TargetKindPage
	case "iframe":
		return TargetKindIFrame
	case "worker", "shared_worker", "service_worker":
		return TargetKindWorker
	default:
		return TargetKindOther
	}
}

// TargetState is the lifecycle state of a target.
type TargetState int

// Target states, in lifecycle order.
const (
	TargetStateDiscovered TargetState = iota
	TargetStateAttaching
	TargetStateAttached
	TargetStateInitialized
	TargetStateDestroyed
)

func (s TargetState) String() string {
	switch s {
	case TargetStateDiscovered:
		return "discovered"
	case TargetStateAttaching:
		return "attaching"
	case TargetStateAttached:
		return "attached"
	case TargetStateInitialized:
		return "initialized"
	case TargetStateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("TargetState(%d)", int(s))
}

// Target is a point-in-time snapshot of a known target.
type Target struct {
	ID               target.ID
	Type             string
	Kind             TargetKind
	URL              string
	OpenerID         target.ID
	BrowserContextID cdp.BrowserContextID
	// Session is nil until the target is attached.
	Session Session
	State   TargetState
}

// TargetEventType tells what happened to a target.
type TargetEventType int

// Target notification types.
const (
	TargetCreated TargetEventType = iota
	TargetChanged
	TargetDestroyed
)

func (t TargetEventType) String() string {
	switch t {
	case TargetCreated:
		return "created"
	case TargetChanged:
		return "changed"
	case TargetDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("TargetEventType(%d)", int(t))
}

// TargetEvent is delivered to target listeners.
type TargetEvent struct {
	Type   TargetEventType
	Target Target
}

// TargetListener is called for every target notification. Listeners run
// while the registry applies a mutation. They may read the registry but
// must not mutate it.
type TargetListener func(TargetEvent)

type targetWaitResult struct {
	target Target
	err    error
}

type targetWaiter struct {
	// either match is set, or id is.
	match func(Target) bool
	id    target.ID
	ch    chan targetWaitResult
}

// TargetRegistry tracks every known target through its lifecycle.
type TargetRegistry struct {
	logger *log.Logger

	// writeMu serializes mutations together with their notifications.
	writeMu sync.Mutex

	mu             sync.RWMutex
	targets        map[target.ID]*Target
	listeners      map[uint64]TargetListener
	nextListenerID uint64
	waiters        map[*targetWaiter]struct{}
	closeErr       error
}

// NewTargetRegistry returns an empty registry.
func NewTargetRegistry(logger *log.Logger) *TargetRegistry {
	return &TargetRegistry{
		logger:    logger,
		targets:   make(map[target.ID]*Target),
		listeners: make(map[uint64]TargetListener),
		waiters:   make(map[*targetWaiter]struct{}),
	}
}

// Targets returns a snapshot of the known targets, ordered by id.
func (r *TargetRegistry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targetsLocked()
}

func (r *TargetRegistry) targetsLocked() []Target {
	ts := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		ts = append(ts, *t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })

	return ts
}

// Target returns a snapshot of the target with the given id.
func (r *TargetRegistry) Target(id target.ID) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[id]
	if !ok {
		return Target{}, false
	}
	return *t, true
}

// On registers a listener and returns a function that removes it.
func (r *TargetRegistry) On(l TargetListener) (off func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextListenerID++
	id := r.nextListenerID
	r.listeners[id] = l

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// OnTargetInfo upserts a target from a targetCreated or targetInfoChanged
// event.
func (r *TargetRegistry) OnTargetInfo(info *target.Info) {
	if info == nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	ev, ok := r.upsert(info)
	r.mu.Unlock()

	if ok {
		r.notify(ev)
	}
	r.settleWaiters()
}

// OnTargetAttached records that a session was attached to the target.
// A target attached while waiting for the debugger is Attaching until it
// is resumed and initialized.
func (r *TargetRegistry) OnTargetAttached(info *target.Info, s Session, waitingForDebugger bool) {
	if info == nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	ev, ok := r.upsert(info)
	t := r.targets[info.TargetID]
	t.Session = s
	if t.State < TargetStateInitialized {
		t.State = TargetStateAttached
		if waitingForDebugger {
			t.State = TargetStateAttaching
		}
	}
	if ok {
		ev.Target = *t
	}
	r.logger.Debugf("TargetRegistry:OnTargetAttached", "tid:%v sid:%v type:%s state:%s",
		t.ID, sessionID(s), t.Type, t.State)
	r.mu.Unlock()

	if ok {
		r.notify(ev)
	}
	r.settleWaiters()
}

// MarkInitialized marks the target usable. Unknown or destroyed targets
// are ignored.
func (r *TargetRegistry) MarkInitialized(id target.ID) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	t, ok := r.targets[id]
	if ok && t.State != TargetStateDestroyed {
		t.State = TargetStateInitialized
	}
	r.mu.Unlock()

	r.logger.Debugf("TargetRegistry:MarkInitialized", "tid:%v known:%t", id, ok)
	r.settleWaiters()
}

// OnTargetDetached handles the detach of the session attached to the
// target. The target is destroyed since it can no longer be driven.
func (r *TargetRegistry) OnTargetDetached(id target.ID) {
	r.destroy(id)
}

// OnTargetDestroyed handles a targetDestroyed event. Destroy
// notifications fire at most once per target.
func (r *TargetRegistry) OnTargetDestroyed(id target.ID) {
	r.destroy(id)
}

func (r *TargetRegistry) destroy(id target.ID) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	t, ok := r.targets[id]
	if ok {
		delete(r.targets, id)
		t.State = TargetStateDestroyed
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Debugf("TargetRegistry:destroy", "tid:%v type:%s", id, t.Type)
	r.notify(TargetEvent{Type: TargetDestroyed, Target: *t})
	r.settleWaiters(id)
}

// Sync reconciles the registry with a full list of targets, as returned by
// Target.getTargets. Targets missing from infos are destroyed.
//
// Notifications of one Sync are delivered destroyed first, then created,
// then changed, each group ordered by target id.
func (r *TargetRegistry) Sync(infos []*target.Info) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	seen := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info != nil {
			seen[info.TargetID] = true
		}
	}

	var destroyed, created, changed []TargetEvent
	r.mu.Lock()
	for id, t := range r.targets {
		if seen[id] {
			continue
		}
		delete(r.targets, id)
		t.State = TargetStateDestroyed
		destroyed = append(destroyed, TargetEvent{Type: TargetDestroyed, Target: *t})
	}
	for _, info := range infos {
		if info == nil {
			continue
		}
		ev, ok := r.upsert(info)
		switch {
		case !ok:
		case ev.Type == TargetCreated:
			created = append(created, ev)
		default:
			changed = append(changed, ev)
		}
	}
	r.mu.Unlock()

	var gone []target.ID
	for _, evs := range [][]TargetEvent{destroyed, created, changed} {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Target.ID < evs[j].Target.ID })
		for _, ev := range evs {
			r.notify(ev)
			if ev.Type == TargetDestroyed {
				gone = append(gone, ev.Target.ID)
			}
		}
	}
	r.settleWaiters(gone...)
}

// upsert must be called with mu held. It reports whether a notification
// is due.
func (r *TargetRegistry) upsert(info *target.Info) (TargetEvent, bool) {
	t, ok := r.targets[info.TargetID]
	if !ok {
		t = &Target{
			ID:               info.TargetID,
			Type:             info.Type,
			Kind:             targetKindOf(info.Type),
			URL:              info.URL,
			OpenerID:         info.OpenerID,
			BrowserContextID: info.BrowserContextID,
			State:            TargetStateDiscovered,
		}
		// Targets of other kinds are never attached, all there is to
		// them is their identity.
		if t.Kind == TargetKindOther {
			t.State = TargetStateInitialized
		}
		r.targets[t.ID] = t
		r.logger.Debugf("TargetRegistry:upsert", "tid:%v type:%s url:%q created", t.ID, t.Type, t.URL)
		return TargetEvent{Type: TargetCreated, Target: *t}, true
	}

	if t.URL == info.URL && t.Type == info.Type {
		return TargetEvent{}, false
	}
	t.URL = info.URL
	t.Type = info.Type
	t.Kind = targetKindOf(info.Type)
	if info.BrowserContextID != "" {
		t.BrowserContextID = info.BrowserContextID
	}
	r.logger.Debugf("TargetRegistry:upsert", "tid:%v type:%s url:%q changed", t.ID, t.Type, t.URL)

	return TargetEvent{Type: TargetChanged, Target: *t}, true
}

func (r *TargetRegistry) notify(ev TargetEvent) {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]TargetListener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, r.listeners[id])
	}
	r.mu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

// settleWaiters resolves the waiters satisfied by the current state. The
// ids of targets destroyed by the current mutation fail the waiters bound
// to them. Must be called with writeMu held. Predicates run without mu so
// that they are free to call Targets.
func (r *TargetRegistry) settleWaiters(destroyed ...target.ID) {
	r.mu.RLock()
	if len(r.waiters) == 0 {
		r.mu.RUnlock()
		return
	}
	waiters := make([]*targetWaiter, 0, len(r.waiters))
	for w := range r.waiters {
		waiters = append(waiters, w)
	}
	snapshot := r.targetsLocked()
	r.mu.RUnlock()

	for _, w := range waiters {
		res, ok := satisfies(w, snapshot, destroyed)
		if !ok {
			continue
		}
		r.mu.Lock()
		if _, pending := r.waiters[w]; pending {
			delete(r.waiters, w)
			w.ch <- res
		}
		r.mu.Unlock()
	}
}

// satisfies tells whether w is satisfied by targets, ordered by id.
func satisfies(w *targetWaiter, targets []Target, destroyed []target.ID) (targetWaitResult, bool) {
	if w.match == nil {
		for _, id := range destroyed {
			if id == w.id {
				return targetWaitResult{err: fmt.Errorf("waiting for target %s: %w", id, ErrTargetClosed)}, true
			}
		}
		for _, t := range targets {
			if t.ID == w.id && t.State == TargetStateInitialized {
				return targetWaitResult{target: t}, true
			}
		}
		return targetWaitResult{}, false
	}

	for _, t := range targets {
		if t.State != TargetStateInitialized {
			continue
		}
		if w.match(t) {
			return targetWaitResult{target: t}, true
		}
	}

	return targetWaitResult{}, false
}

// WaitForTarget waits for an initialized target matching predicate. A
// matching target that already exists is returned right away. A zero
// timeout waits until ctx is done. predicate may read the registry but
// must not modify it.
func (r *TargetRegistry) WaitForTarget(ctx context.Context, predicate func(Target) bool, timeout time.Duration) (Target, error) {
	return r.wait(ctx, &targetWaiter{match: predicate}, "waiting for target", timeout)
}

// WaitForTargetInitialized waits until the target with the given id is
// initialized. It fails with ErrTargetClosed if the target is destroyed
// first.
func (r *TargetRegistry) WaitForTargetInitialized(ctx context.Context, id target.ID, timeout time.Duration) (Target, error) {
	return r.wait(ctx, &targetWaiter{id: id}, fmt.Sprintf("waiting for target %s", id), timeout)
}

func (r *TargetRegistry) wait(ctx context.Context, w *targetWaiter, op string, timeout time.Duration) (Target, error) {
	w.ch = make(chan targetWaitResult, 1)

	// Checking and registering under writeMu keeps a mutation from
	// slipping in between.
	r.writeMu.Lock()
	r.mu.RLock()
	closeErr := r.closeErr
	snapshot := r.targetsLocked()
	r.mu.RUnlock()
	if closeErr != nil {
		r.writeMu.Unlock()
		return Target{}, fmt.Errorf("%s: %w", op, closeErr)
	}
	if res, ok := satisfies(w, snapshot, nil); ok {
		r.writeMu.Unlock()
		return res.target, res.err
	}
	r.mu.Lock()
	r.waiters[w] = struct{}{}
	r.mu.Unlock()
	r.writeMu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-w.ch:
		return res.target, res.err
	case <-timeoutCh:
		if res, ok := r.forget(w); ok {
			return res.target, res.err
		}
		return Target{}, &TimeoutError{Op: op, Timeout: timeout}
	case <-ctx.Done():
		if res, ok := r.forget(w); ok {
			return res.target, res.err
		}
		return Target{}, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// forget removes w. If w was resolved concurrently, its result is returned.
func (r *TargetRegistry) forget(w *targetWaiter) (targetWaitResult, bool) {
	r.mu.Lock()
	_, pending := r.waiters[w]
	delete(r.waiters, w)
	r.mu.Unlock()
	if pending {
		return targetWaitResult{}, false
	}
	return <-w.ch, true
}

// Close fails every pending wait with err, as well as every later one.
func (r *TargetRegistry) Close(err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closeErr != nil {
		return
	}
	r.closeErr = err
	for w := range r.waiters {
		delete(r.waiters, w)
		w.ch <- targetWaitResult{err: err}
	}
}
