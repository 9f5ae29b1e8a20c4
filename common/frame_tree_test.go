package common

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpcore/log"
)

type frameEventRecorder struct {
	mu  sync.Mutex
	evs []string
}

func (r *frameEventRecorder) listen(ev FrameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev.Type.String()+":"+string(ev.Frame.ID()))
}

func (r *frameEventRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evs...)
}

func (r *frameEventRecorder) count(typ FrameEventType) map[string]int {
	counts := make(map[string]int)
	prefix := typ.String() + ":"
	for _, ev := range r.events() {
		if len(ev) > len(prefix) && ev[:len(prefix)] == prefix {
			counts[ev[len(prefix):]]++
		}
	}
	return counts
}

func frameIDs(frames []*Frame) []cdp.FrameID {
	ids := make([]cdp.FrameID, 0, len(frames))
	for _, f := range frames {
		ids = append(ids, f.ID())
	}
	return ids
}

// newTestTree builds:
//
//	main
//	├── A
//	│   └── A1
//	└── B
func newTestTree(t *testing.T, s Session) *FrameTree {
	t.Helper()

	tree := NewFrameTree(log.NewNullLogger(), nil)
	require.NotNil(t, tree.OnFrameAttached("", "main", s))
	tree.OnFrameNavigated("main", "https://example.com/", "L-main")
	require.NotNil(t, tree.OnFrameAttached("main", "A", s))
	tree.OnFrameNavigated("A", "https://example.com/a", "L-A")
	require.NotNil(t, tree.OnFrameAttached("A", "A1", s))
	tree.OnFrameNavigated("A1", "https://example.com/a1", "L-A1")
	require.NotNil(t, tree.OnFrameAttached("main", "B", s))
	tree.OnFrameNavigated("B", "https://example.com/b", "L-B")

	return tree
}

func TestFrameTreeAttach(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "main")
	tree := newTestTree(t, s)

	assert.Equal(t, []cdp.FrameID{"main", "A", "A1", "B"}, frameIDs(tree.Frames()))
	main := tree.MainFrame()
	require.NotNil(t, main)
	assert.Nil(t, main.ParentFrame())
	assert.Equal(t, []cdp.FrameID{"A", "B"}, frameIDs(main.ChildFrames()))
	assert.Equal(t, main, tree.Frame("A").ParentFrame())
	assert.Equal(t, "https://example.com/a1", tree.Frame("A1").URL())
	assert.Equal(t, cdp.LoaderID("L-A1"), tree.Frame("A1").LoaderID())

	var rec frameEventRecorder
	tree.On(rec.listen)

	// re-attaching a known frame from the same session is a no-op
	assert.Equal(t, tree.Frame("A"), tree.OnFrameAttached("main", "A", s))
	// unknown parent
	assert.Nil(t, tree.OnFrameAttached("nope", "C", s))
	assert.Empty(t, rec.events())
}

func TestFrameTreeAdoption(t *testing.T) {
	t.Parallel()

	page := newFakeSession("S-page", "main")
	oopif := newFakeSession("S-oopif", "A")
	tree := newTestTree(t, page)

	var rec frameEventRecorder
	tree.On(rec.listen)

	a := tree.Frame("A")
	children := a.ChildFrames()
	before := tree.Dump()

	t.Run("to_oop", func(t *testing.T) {
		// the new session announces a frame already in the tree
		got := tree.OnFrameAttached("main", "A", oopif)
		assert.Same(t, a, got, "adoption keeps the frame identity")
		assert.Equal(t, oopif, a.Session())
		assert.True(t, a.IsOOPFrame())
		assert.False(t, a.IsDetached())
		assert.Equal(t, children, a.ChildFrames())
		assert.Equal(t, before, tree.Dump())
	})

	t.Run("back_in_process", func(t *testing.T) {
		require.True(t, tree.AdoptFrame("A", page))
		assert.Equal(t, page, a.Session())
		assert.False(t, a.IsOOPFrame())
		assert.Equal(t, before, tree.Dump())
	})

	assert.Equal(t, []string{"adopted:A", "adopted:A"}, rec.events())
	assert.False(t, tree.AdoptFrame("nope", page))
}

func TestFrameTreeNavigation(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "main")

	t.Run("same_document_keeps_children", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		tree.OnFrameNavigatedWithinDocument("A", "https://example.com/a#hash")
		tree.OnFrameNavigated("A", "https://example.com/a#hash", "L-A")

		assert.Equal(t, "https://example.com/a#hash", tree.Frame("A").URL())
		assert.NotNil(t, tree.Frame("A1"))
	})

	t.Run("new_document_detaches_children", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		a1 := tree.Frame("A1")
		tree.OnFrameNavigated("A", "https://example.com/other", "L-A-2")

		assert.True(t, a1.IsDetached())
		assert.Nil(t, tree.Frame("A1"))
		assert.Empty(t, tree.Frame("A").ChildFrames())
		assert.Equal(t, cdp.LoaderID("L-A-2"), tree.Frame("A").LoaderID())
	})

	t.Run("started_loading", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		assert.False(t, tree.Frame("B").HasStartedLoading())
		tree.OnFrameStartedLoading("B")
		assert.True(t, tree.Frame("B").HasStartedLoading())
	})
}

func TestFrameTreeDetach(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "main")

	t.Run("recursive", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		var rec frameEventRecorder
		tree.On(rec.listen)

		a, a1 := tree.Frame("A"), tree.Frame("A1")
		tree.OnFrameDetached("A")
		tree.OnFrameDetached("A") // unknown by now
		tree.OnFrameDetached("A1")

		assert.Equal(t, map[string]int{"A": 1, "A1": 1}, rec.count(FrameDetached))
		for _, f := range []*Frame{a, a1} {
			assert.True(t, f.IsDetached())
			select {
			case <-f.Detached():
			default:
				t.Fatalf("frame %s: detached channel not closed", f.ID())
			}
		}
		assert.Nil(t, a1.ParentFrame())
		assert.Equal(t, []cdp.FrameID{"main", "B"}, frameIDs(tree.Frames()))
		assert.Equal(t, []cdp.FrameID{"B"}, frameIDs(tree.MainFrame().ChildFrames()))
	})

	t.Run("swap_keeps_frame", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		tree.RemoveChildFrames("A")

		assert.NotNil(t, tree.Frame("A"))
		assert.Nil(t, tree.Frame("A1"))
	})

	t.Run("session_detached", func(t *testing.T) {
		t.Parallel()

		oopif := newFakeSession("S-oopif", "A")
		tree := newTestTree(t, s)
		tree.AdoptFrame("A", oopif)
		tree.AdoptFrame("A1", oopif)

		tree.OnSessionDetached(oopif)
		assert.Equal(t, []cdp.FrameID{"main", "B"}, frameIDs(tree.Frames()))

		tree.OnSessionDetached(s)
		assert.Nil(t, tree.MainFrame())
		assert.Empty(t, tree.Frames())
	})
}

func TestFrameTreeReadersSeeWholeMutations(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "M")

	// M -> A -> B, all at https://old/
	newChain := func(t *testing.T) *FrameTree {
		t.Helper()

		tree := NewFrameTree(log.NewNullLogger(), nil)
		tree.OnFrameAttached("", "M", s)
		tree.OnFrameNavigated("M", "https://old/", "L1")
		tree.OnFrameAttached("M", "A", s)
		tree.OnFrameAttached("A", "B", s)

		return tree
	}

	tests := []struct {
		name   string
		mutate func(*FrameTree)
		want   string
	}{
		{
			name:   "new_document",
			mutate: func(tree *FrameTree) { tree.OnFrameNavigated("M", "https://new/", "L2") },
			want:   "M https://new/\n",
		},
		{
			name:   "main_frame_swap",
			mutate: func(tree *FrameTree) { tree.OnFrameAttached("", "N", s) },
			want:   "N \n",
		},
		{
			name:   "detach",
			mutate: func(tree *FrameTree) { tree.OnFrameDetached("A") },
			want:   "M https://old/\n",
		},
		{
			name:   "remove_children",
			mutate: func(tree *FrameTree) { tree.RemoveChildFrames("M") },
			want:   "M https://old/\n",
		},
		{
			name:   "session_detached",
			mutate: func(tree *FrameTree) { tree.OnSessionDetached(s) },
			want:   "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tree := newChain(t)
			before := tree.Dump()

			// listeners run after the whole change is visible
			var seen []string
			tree.On(func(ev FrameEvent) {
				if ev.Type != FrameDetached {
					return
				}
				dump := make(chan string)
				go func() { dump <- tree.Dump() }()
				seen = append(seen, <-dump)
			})

			// a concurrent reader sees either side, never a mix
			stop := make(chan struct{})
			observed := make(chan map[string]bool, 1)
			go func() {
				dumps := make(map[string]bool)
				for {
					select {
					case <-stop:
						observed <- dumps
						return
					default:
						dumps[tree.Dump()] = true
					}
				}
			}()

			tt.mutate(tree)
			close(stop)

			require.NotEmpty(t, seen)
			for _, d := range seen {
				assert.Equal(t, tt.want, d)
			}
			for d := range <-observed {
				assert.Contains(t, []string{before, tt.want}, d)
			}
			assert.Equal(t, tt.want, tree.Dump())
		})
	}
}

func TestFrameTreeDump(t *testing.T) {
	t.Parallel()

	s1 := newFakeSession("S1", "main")
	s2 := newFakeSession("S2", "main")
	oop := newFakeSession("S3", "B")

	tree1 := newTestTree(t, s1)
	tree1.AdoptFrame("B", oop)

	// same documents, different attach order and sessions
	tree2 := NewFrameTree(log.NewNullLogger(), nil)
	tree2.OnFrameAttached("", "main", s2)
	tree2.OnFrameNavigated("main", "https://example.com/", "L-main-2")
	tree2.OnFrameAttached("main", "B", s2)
	tree2.OnFrameNavigated("B", "https://example.com/b", "L-B-2")
	tree2.OnFrameAttached("main", "A", s2)
	tree2.OnFrameNavigated("A", "https://example.com/a", "L-A-2")
	tree2.OnFrameAttached("A", "A1", s2)
	tree2.OnFrameNavigated("A1", "https://example.com/a1", "L-A1-2")

	want := "main https://example.com/\n" +
		"  A https://example.com/a\n" +
		"    A1 https://example.com/a1\n" +
		"  B https://example.com/b\n"
	assert.Equal(t, want, tree1.Dump())
	assert.Equal(t, tree1.Dump(), tree2.Dump())
}

func TestFrameTreeWaitForFrame(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "main")
	byURL := func(url string) func(*Frame) bool {
		return func(f *Frame) bool { return f.URL() == url }
	}

	t.Run("existing", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f, err := tree.WaitForFrame(ctx, byURL("https://example.com/a1"), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, cdp.FrameID("A1"), f.ID())
	})

	t.Run("later", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		res := make(chan *Frame, 1)
		go func() {
			f, err := tree.WaitForFrame(context.Background(), byURL("https://example.com/c"), 0)
			assert.NoError(t, err)
			res <- f
		}()
		require.Eventually(t, func() bool { return tree.pendingFrameWaiters() == 1 }, time.Second, time.Millisecond)

		tree.OnFrameAttached("B", "C", s)
		tree.OnFrameNavigated("C", "https://example.com/c", "L-C")

		select {
		case f := <-res:
			assert.Equal(t, cdp.FrameID("C"), f.ID())
		case <-time.After(time.Second):
			t.Fatal("wait did not resolve")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		_, err := tree.WaitForFrame(context.Background(), byURL("https://example.com/c"), 10*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		assert.EqualError(t, err, "waiting for frame failed: timeout 10ms exceeded")
		assert.Zero(t, tree.pendingFrameWaiters())
	})
}

func TestFrameTreeWaitForNavigation(t *testing.T) {
	t.Parallel()

	s := newFakeSession("S1", "main")

	wait := func(tree *FrameTree, f *Frame, opts NavigationOptions) <-chan error {
		errCh := make(chan error, 1)
		go func() {
			_, err := tree.WaitForNavigation(context.Background(), f, opts)
			errCh <- err
		}()
		return errCh
	}
	pending := func(t *testing.T, tree *FrameTree, n int) {
		t.Helper()
		require.Eventually(t, func() bool { return tree.pendingNavWaiters() == n }, time.Second, time.Millisecond)
	}

	t.Run("new_document", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		a := tree.Frame("A")
		newDoc := wait(tree, a, NavigationOptions{Kind: NavigationNewDocument})
		sameDoc := wait(tree, a, NavigationOptions{Kind: NavigationSameDocument, Timeout: 50 * time.Millisecond})
		pending(t, tree, 2)

		// moving the frame to another session does not disturb the waits
		tree.AdoptFrame("A", newFakeSession("S2", "A"))
		tree.OnFrameNavigated("A", "https://example.com/next", "L-A-2")

		require.NoError(t, <-newDoc)
		assert.ErrorIs(t, <-sameDoc, ErrTimeout, "a new document does not satisfy a same-document wait")
	})

	t.Run("same_document", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		a := tree.Frame("A")
		sameDoc := wait(tree, a, NavigationOptions{Kind: NavigationSameDocument})
		anyNav := wait(tree, a, NavigationOptions{Kind: NavigationAny})
		pending(t, tree, 2)

		tree.OnFrameNavigatedWithinDocument("A", "https://example.com/a#x")
		require.NoError(t, <-sameDoc)
		require.NoError(t, <-anyNav)
	})

	t.Run("already_left_document", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		lid, err := tree.WaitForNavigation(context.Background(), tree.Frame("A"), NavigationOptions{LoaderID: "L-old"})
		require.NoError(t, err)
		assert.Equal(t, cdp.LoaderID("L-A"), lid)
	})

	t.Run("detached", func(t *testing.T) {
		t.Parallel()

		tree := newTestTree(t, s)
		a1 := tree.Frame("A1")
		errCh := wait(tree, a1, NavigationOptions{Timeout: time.Hour})
		pending(t, tree, 1)

		tree.OnFrameDetached("A")
		err := <-errCh
		require.ErrorIs(t, err, ErrFrameDetached)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.EqualError(t, err, "waiting for navigation failed: frame got detached")

		_, err = tree.WaitForNavigation(context.Background(), a1, NavigationOptions{})
		assert.ErrorIs(t, err, ErrFrameDetached)
	})
}

// checkTreeInvariants verifies that the frames reachable from the main frame
// are exactly the attached frames, each reached once, with consistent
// parent links.
func checkTreeInvariants(t *testing.T, tree *FrameTree) {
	t.Helper()

	tree.mu.RLock()
	defer tree.mu.RUnlock()

	seen := make(map[cdp.FrameID]int)
	var walk func(id cdp.FrameID, depth int)
	walk = func(id cdp.FrameID, depth int) {
		require.Less(t, depth, 64, "cycle")
		f, ok := tree.frames[id]
		require.True(t, ok, "dangling child id %s", id)
		seen[id]++
		for _, c := range f.children {
			child, ok := tree.frames[c]
			require.True(t, ok, "dangling child id %s of %s", c, id)
			require.Equal(t, id, child.parentID)
			walk(c, depth+1)
		}
	}
	if tree.mainID != "" {
		require.Empty(t, tree.frames[tree.mainID].parentID)
		walk(tree.mainID, 0)
	}

	var reachable, attached []string
	for id, n := range seen {
		require.Equal(t, 1, n, "frame %s reached more than once", id)
		reachable = append(reachable, string(id))
	}
	for id, f := range tree.frames {
		require.False(t, f.detached)
		require.NotNil(t, f.session, "frame %s has no session", id)
		attached = append(attached, string(id))
	}
	sort.Strings(reachable)
	sort.Strings(attached)
	if diff := cmp.Diff(attached, reachable); diff != "" {
		t.Fatalf("attached frames differ from reachable frames (-attached +reachable):\n%s", diff)
	}
}

func TestFrameTreeInvariantsUnderRandomOperations(t *testing.T) {
	t.Parallel()

	sessions := []Session{
		newFakeSession("S0", "main"),
		newFakeSession("S1", "oop1"),
		newFakeSession("S2", "oop2"),
	}
	rnd := rand.New(rand.NewSource(1)) //nolint:gosec
	tree := NewFrameTree(log.NewNullLogger(), nil)
	tree.OnFrameAttached("", "main", sessions[0])

	var rec frameEventRecorder
	tree.On(rec.listen)

	pick := func() cdp.FrameID {
		frames := tree.Frames()
		if len(frames) == 0 {
			return "main"
		}
		return frames[rnd.Intn(len(frames))].ID()
	}
	for i := 0; i < 2000; i++ {
		switch rnd.Intn(6) {
		case 0, 1:
			parent := pick()
			if tree.MainFrame() == nil {
				parent = ""
			}
			tree.OnFrameAttached(parent, cdp.FrameID(fmt.Sprintf("F%d", i)), sessions[rnd.Intn(len(sessions))])
		case 2:
			tree.OnFrameNavigated(pick(), "https://example.com/", cdp.LoaderID(fmt.Sprintf("L%d", rnd.Intn(3))))
		case 3:
			if id := pick(); id != "main" {
				tree.OnFrameDetached(id)
			}
		case 4:
			tree.AdoptFrame(pick(), sessions[rnd.Intn(len(sessions))])
		case 5:
			tree.OnFrameNavigatedWithinDocument(pick(), "https://example.com/#x")
		}
		checkTreeInvariants(t, tree)
	}

	for id, n := range rec.count(FrameDetached) {
		assert.Equal(t, 1, n, "frame %s detached more than once", id)
	}
}
