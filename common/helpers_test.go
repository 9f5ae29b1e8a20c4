package common

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// fakeSession is a Session that records the commands sent on it and
// answers them with an empty result.
type fakeSession struct {
	id  target.SessionID
	tid target.ID

	mu       sync.Mutex
	commands []string

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSession(id target.SessionID, tid target.ID) *fakeSession {
	return &fakeSession{id: id, tid: tid, done: make(chan struct{})}
}

func (s *fakeSession) ID() target.SessionID  { return s.id }
func (s *fakeSession) TargetID() target.ID   { return s.tid }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Execute(_ context.Context, method string, _ easyjson.Marshaler, _ easyjson.Unmarshaler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, method)
	return nil
}

func (s *fakeSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (r *TargetRegistry) pendingWaiters() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.waiters)
}

func (t *FrameTree) pendingFrameWaiters() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frameWaiters)
}

func (t *FrameTree) pendingNavWaiters() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.navWaiters)
}

func (m *NetworkManager) pendingTrackers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}
