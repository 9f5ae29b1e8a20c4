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
	"github.com/chromedp/cdproto/cdp"
)

// Frame is a node of a FrameTree. The handle stays the same for the whole
// life of the frame, including when its owning session changes.
//
// All fields are guarded by the tree's lock.
type Frame struct {
	tree *FrameTree
	id   cdp.FrameID

	parentID cdp.FrameID
	children []cdp.FrameID
	session  Session

	url               string
	loaderID          cdp.LoaderID
	hasStartedLoading bool
	detached          bool

	detachedCh chan struct{}
}

func newFrame(tree *FrameTree, id, parentID cdp.FrameID, s Session) *Frame {
	return &Frame{
		tree:       tree,
		id:         id,
		parentID:   parentID,
		session:    s,
		detachedCh: make(chan struct{}),
	}
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID { return f.id }

// ParentFrame returns the parent frame, nil for a main frame or a
// detached frame.
func (f *Frame) ParentFrame() *Frame {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	if f.detached || f.parentID == "" {
		return nil
	}
	return f.tree.frames[f.parentID]
}

// ChildFrames returns the child frames in attach order.
func (f *Frame) ChildFrames() []*Frame {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	children := make([]*Frame, 0, len(f.children))
	for _, id := range f.children {
		if c, ok := f.tree.frames[id]; ok {
			children = append(children, c)
		}
	}
	return children
}

// URL returns the url of the frame's document.
func (f *Frame) URL() string {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.url
}

// LoaderID returns the id of the frame's current document.
func (f *Frame) LoaderID() cdp.LoaderID {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.loaderID
}

// Session returns the session whose events describe the frame.
func (f *Frame) Session() Session {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.session
}

// HasStartedLoading reports whether the frame has started loading a
// document. Out-of-process frames are attached before they start loading.
func (f *Frame) HasStartedLoading() bool {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.hasStartedLoading
}

// IsDetached reports whether the frame was removed from its tree.
func (f *Frame) IsDetached() bool {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()
	return f.detached
}

// Detached is closed when the frame is detached.
func (f *Frame) Detached() <-chan struct{} { return f.detachedCh }

// IsOOPFrame reports whether the frame is owned by another session than
// its parent.
func (f *Frame) IsOOPFrame() bool {
	f.tree.mu.RLock()
	defer f.tree.mu.RUnlock()

	if f.parentID == "" {
		return false
	}
	p, ok := f.tree.frames[f.parentID]
	if !ok {
		return false
	}
	return sessionID(p.session) != sessionID(f.session)
}

func (f *Frame) String() string {
	return string(f.id)
}
