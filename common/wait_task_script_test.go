package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dop251/goja"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpcore/log"
)

// stubDOM is a minimal document for the injected scripts: elements carry
// their computed style and box size, querySelector and document.evaluate
// look nodes up in bySelector and byXPath.
const stubDOM = `
var Node = { ELEMENT_NODE: 1, TEXT_NODE: 3 };
var XPathResult = { FIRST_ORDERED_NODE_TYPE: 9 };

var observers = [];
function MutationObserver(callback) {
  this.callback = callback;
  this.active = false;
}
MutationObserver.prototype.observe = function (target, options) {
  this.active = true;
  observers.push(this);
};
MutationObserver.prototype.disconnect = function () {
  this.active = false;
};
function activeObservers() {
  return observers.filter(function (o) { return o.active; }).length;
}
function mutate(change) {
  change();
  observers.slice().forEach(function (o) {
    if (o.active) {
      o.callback([], o);
    }
  });
}

var frameCallbacks = [];
function requestAnimationFrame(cb) {
  frameCallbacks.push(cb);
}
function flushFrames() {
  var cbs = frameCallbacks;
  frameCallbacks = [];
  cbs.forEach(function (cb) { cb(0); });
}

function element(id, parent) {
  return {
    id: id,
    nodeType: Node.ELEMENT_NODE,
    parentElement: parent || null,
    style: { display: 'block', visibility: 'visible' },
    width: 10,
    height: 10,
    getBoundingClientRect: function () {
      return { width: this.width, height: this.height };
    },
  };
}
function text(id, parent) {
  return { id: id, nodeType: Node.TEXT_NODE, parentElement: parent };
}

var body = element('body');
var bySelector = {};
var byXPath = {};
var document = {
  querySelector: function (s) { return bySelector[s] || null; },
  evaluate: function (expr, ctx, ns, type, res) {
    if (type !== XPathResult.FIRST_ORDERED_NODE_TYPE) {
      throw new Error('unexpected result type ' + type);
    }
    return { singleNodeValue: byXPath[expr] || null };
  },
};
var window = {
  getComputedStyle: function (e) { return e.style; },
};

function describe(v) {
  if (v === null || v === undefined) {
    return 'null';
  }
  if (v === true || v === false) {
    return String(v);
  }
  return 'node:' + v.id;
}
`

// scriptPage evaluates expressions against stubDOM. Awaited promises
// settle on DOM mutations made with mutate, and on animation frames,
// which tick every millisecond while someone waits.
type scriptPage struct {
	t *testing.T

	mu      sync.Mutex
	vm      *goja.Runtime
	changed chan struct{}
}

func newScriptPage(t *testing.T, setup string) *scriptPage {
	t.Helper()

	vm := goja.New()
	_, err := vm.RunString(stubDOM)
	require.NoError(t, err)
	_, err = vm.RunString(setup)
	require.NoError(t, err)

	return &scriptPage{t: t, vm: vm, changed: make(chan struct{})}
}

func (p *scriptPage) run(src string) goja.Value {
	p.t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.vm.RunString(src)
	require.NoError(p.t, err)
	return v
}

// mutate runs change as a DOM mutation, notifying the mutation observers.
func (p *scriptPage) mutate(change string) {
	p.t.Helper()

	p.run("mutate(function () { " + change + " })")

	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

func (p *scriptPage) Evaluate(ctx context.Context, f *Frame, expr string, awaitPromise bool) (*runtime.RemoteObject, error) {
	if f.IsDetached() {
		return nil, &DetachedError{Op: "evaluating expression", FrameID: f.ID()}
	}

	p.mu.Lock()
	v, err := p.vm.RunString(expr)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	promise, ok := v.Export().(*goja.Promise)
	if !ok || !awaitPromise {
		obj := p.remoteObject(v)
		p.mu.Unlock()
		return obj, nil
	}
	changed := p.changed
	p.mu.Unlock()

	for {
		p.mu.Lock()
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			obj := p.remoteObject(promise.Result())
			p.mu.Unlock()
			return obj, nil
		case goja.PromiseStateRejected:
			err := errors.New(promise.Result().String())
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Unlock()

		select {
		case <-changed:
		case <-time.After(time.Millisecond):
			p.mu.Lock()
			_, err := p.vm.RunString("flushFrames()")
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		p.mu.Lock()
		changed = p.changed
		p.mu.Unlock()
	}
}

// remoteObject must be called with mu held.
func (p *scriptPage) remoteObject(v goja.Value) *runtime.RemoteObject {
	switch {
	case goja.IsUndefined(v):
		return &runtime.RemoteObject{Type: runtime.TypeUndefined}
	case goja.IsNull(v):
		return nullObject
	}
	if b, ok := v.Export().(bool); ok {
		return &runtime.RemoteObject{Type: runtime.TypeBoolean, Value: easyjson.RawMessage(fmt.Sprint(b))}
	}

	id := v.ToObject(p.vm).Get("id")
	if id == nil || goja.IsUndefined(id) {
		return &runtime.RemoteObject{Type: runtime.TypeObject}
	}
	return &runtime.RemoteObject{
		Type:     runtime.TypeObject,
		Subtype:  runtime.SubtypeNode,
		ObjectID: runtime.RemoteObjectID(id.String()),
	}
}

func TestSelectorPredicateScript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      string
		selector   string
		visibility Visibility
		want       string
	}{
		{
			name:       "any_match",
			setup:      `bySelector['#a'] = element('a', body);`,
			selector:   "#a",
			visibility: VisibilityAny,
			want:       "node:a",
		},
		{
			name:       "any_no_match",
			selector:   "#a",
			visibility: VisibilityAny,
			want:       "null",
		},
		{
			name:       "visible",
			setup:      `bySelector['#a'] = element('a', body);`,
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "node:a",
		},
		{
			name:       "visible_no_match",
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "null",
		},
		{
			name:       "display_none_is_not_visible",
			setup:      `var a = element('a', body); a.style.display = 'none'; bySelector['#a'] = a;`,
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "null",
		},
		{
			name:       "display_none_is_hidden",
			setup:      `var a = element('a', body); a.style.display = 'none'; bySelector['#a'] = a;`,
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "node:a",
		},
		{
			name:       "ancestor_display_none",
			setup:      `var p = element('p', body); p.style.display = 'none'; bySelector['#a'] = element('a', p);`,
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "null",
		},
		{
			name:       "ancestor_visibility_hidden",
			setup:      `var p = element('p', body); p.style.visibility = 'hidden'; bySelector['#a'] = element('a', p);`,
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "node:a",
		},
		{
			name:       "ancestor_visibility_collapse",
			setup:      `var p = element('p', body); p.style.visibility = 'collapse'; bySelector['#a'] = element('a', p);`,
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "node:a",
		},
		{
			name:       "ancestor_visibility_collapse_not_visible",
			setup:      `var p = element('p', body); p.style.visibility = 'collapse'; bySelector['#a'] = element('a', p);`,
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "null",
		},
		{
			name:       "zero_width",
			setup:      `var a = element('a', body); a.width = 0; bySelector['#a'] = a;`,
			selector:   "#a",
			visibility: VisibilityVisible,
			want:       "null",
		},
		{
			name:       "zero_height_is_hidden",
			setup:      `var a = element('a', body); a.height = 0; bySelector['#a'] = a;`,
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "node:a",
		},
		{
			name:       "visible_is_not_hidden",
			setup:      `bySelector['#a'] = element('a', body);`,
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "null",
		},
		{
			name:       "no_match_is_hidden",
			selector:   "#a",
			visibility: VisibilityHidden,
			want:       "true",
		},
		{
			name:       "text_node_uses_parent",
			setup:      `bySelector['#t'] = text('t', element('p', body));`,
			selector:   "#t",
			visibility: VisibilityVisible,
			want:       "node:t",
		},
		{
			name:       "text_node_in_hidden_parent",
			setup:      `var p = element('p', body); p.style.display = 'none'; bySelector['#t'] = text('t', p);`,
			selector:   "#t",
			visibility: VisibilityHidden,
			want:       "node:t",
		},
		{
			name:       "xpath_prefix",
			setup:      `byXPath['//div'] = element('a', body); bySelector['//div'] = element('wrong', body);`,
			selector:   "xpath///div",
			visibility: VisibilityVisible,
			want:       "node:a",
		},
		{
			name:       "xpath_slashes",
			setup:      `byXPath['//div[@id="a"]'] = element('a', body);`,
			selector:   `//div[@id="a"]`,
			visibility: VisibilityAny,
			want:       "node:a",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newScriptPage(t, tt.setup)
			got := p.run("describe(" + SelectorPredicate(tt.selector, tt.visibility).expression() + ")")
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestMutationTriggerScript(t *testing.T) {
	t.Parallel()

	t.Run("already_satisfied", func(t *testing.T) {
		t.Parallel()

		p := newScriptPage(t, `var ready = true;`)
		p.run("var state = 'pending'; " + mutationTrigger("ready") + ".then(function (v) { state = 'resolved:' + v; });")

		assert.Equal(t, "resolved:true", p.run("state").String())
		assert.Equal(t, int64(0), p.run("activeObservers()").ToInteger())
	})

	t.Run("resolves_on_mutation", func(t *testing.T) {
		t.Parallel()

		p := newScriptPage(t, `var ready = false;`)
		p.run("var state = 'pending'; " + mutationTrigger("ready") + ".then(function (v) { state = 'resolved:' + v; });")
		assert.Equal(t, "pending", p.run("state").String())
		assert.Equal(t, int64(1), p.run("activeObservers()").ToInteger())

		p.mutate("bySelector['#a'] = element('a', body);")
		assert.Equal(t, "resolved:true", p.run("state").String())
		assert.Equal(t, int64(0), p.run("activeObservers()").ToInteger())
	})
}

func TestRAFTriggerScript(t *testing.T) {
	t.Parallel()

	p := newScriptPage(t, "")
	p.run("var state = 'pending'; " + rafTrigger() + ".then(function (v) { state = 'resolved:' + v; });")
	assert.Equal(t, "pending", p.run("state").String())

	p.run("flushFrames()")
	assert.Equal(t, "resolved:true", p.run("state").String())
}

func newScriptWait(t *testing.T, setup string) (*scriptPage, *Frame, *WaitTaskScheduler) {
	t.Helper()

	tree := NewFrameTree(log.NewNullLogger(), nil)
	s := newFakeSession("S1", "main")
	frame := tree.OnFrameAttached("", "main", s)
	require.NotNil(t, frame)

	page := newScriptPage(t, setup)
	return page, frame, NewWaitTaskScheduler(page, newFakeConnection(), log.NewNullLogger(), nil)
}

func TestWaitTaskScriptVisibleAfterStyleRemoved(t *testing.T) {
	t.Parallel()

	for _, polling := range []Polling{{}, {Kind: PollingMutation}, PollingEvery(time.Millisecond)} {
		polling := polling
		t.Run(polling.String(), func(t *testing.T) {
			t.Parallel()

			page, frame, scheduler := newScriptWait(t,
				`var a = element('a', body); a.style.display = 'none'; bySelector['#a'] = a;`)

			res := make(chan waitResult, 1)
			go func() {
				obj, err := scheduler.Wait(context.Background(), WaitParams{
					Frame:     frame,
					Predicate: SelectorPredicate("#a", VisibilityVisible),
					Polling:   polling,
					Timeout:   5 * time.Second,
				})
				res <- waitResult{obj: obj, err: err}
			}()

			select {
			case r := <-res:
				t.Fatalf("resolved while the element is not displayed: %+v", r)
			case <-time.After(30 * time.Millisecond):
			}

			page.mutate("a.style.display = 'block';")
			r := receive(t, res)
			require.NoError(t, r.err)
			require.NotNil(t, r.obj)
			assert.Equal(t, runtime.RemoteObjectID("a"), r.obj.ObjectID)
		})
	}
}

func TestWaitTaskScriptHidden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change string
		wantID runtime.RemoteObjectID
	}{
		{name: "style_change", change: "a.style.visibility = 'hidden';", wantID: "a"},
		{name: "ancestor_collapse", change: "body.style.visibility = 'collapse';", wantID: "a"},
		{name: "zero_size", change: "a.width = 0; a.height = 0;", wantID: "a"},
		{name: "removal", change: "delete bySelector['#a'];"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			page, frame, scheduler := newScriptWait(t, `var a = element('a', body); bySelector['#a'] = a;`)

			res := make(chan waitResult, 1)
			go func() {
				obj, err := scheduler.Wait(context.Background(), WaitParams{
					Frame:     frame,
					Predicate: SelectorPredicate("#a", VisibilityHidden),
					Polling:   Polling{Kind: PollingMutation},
					Timeout:   5 * time.Second,
				})
				res <- waitResult{obj: obj, err: err}
			}()

			select {
			case r := <-res:
				t.Fatalf("resolved while the element is visible: %+v", r)
			case <-time.After(30 * time.Millisecond):
			}

			page.mutate(tt.change)
			r := receive(t, res)
			require.NoError(t, r.err)
			if tt.wantID == "" {
				assert.Nil(t, r.obj, "nothing matches")
				return
			}
			require.NotNil(t, r.obj)
			assert.Equal(t, tt.wantID, r.obj.ObjectID)
		})
	}
}
