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
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"

	"github.com/grafana/cdpcore/cdp/domains"
	"github.com/grafana/cdpcore/log"
)

// ErrDefaultContext is returned when closing the default browser context.
var ErrDefaultContext = errors.New("default browser context cannot be closed")

// BrowserContext is an isolated set of pages, or the browser's default
// context when its id is empty.
type BrowserContext struct {
	browser  *Browser
	id       cdp.BrowserContextID
	opts     *BrowserContextOptions
	timeouts *TimeoutSettings
	logger   *log.Logger
}

// NewBrowserContext returns the context with the given id of b.
func NewBrowserContext(b *Browser, id cdp.BrowserContextID, opts *BrowserContextOptions, logger *log.Logger) *BrowserContext {
	if opts == nil {
		opts = NewBrowserContextOptions()
	}
	bctx := &BrowserContext{
		browser:  b,
		id:       id,
		opts:     opts,
		timeouts: NewTimeoutSettings(b.timeouts),
		logger:   logger,
	}
	if opts.Timeout.Valid {
		bctx.timeouts.SetDefaultTimeout(time.Duration(opts.Timeout.Int64) * time.Millisecond)
	}

	return bctx
}

// ID returns the id of the context, empty for the default one.
func (b *BrowserContext) ID() cdp.BrowserContextID { return b.id }

// Browser returns the browser the context belongs to.
func (b *BrowserContext) Browser() *Browser { return b.browser }

// owns reports whether t lives in the context. Targets of contexts the
// browser does not know about belong to the default context.
func (b *BrowserContext) owns(t Target) bool {
	if b.id != "" {
		return t.BrowserContextID == b.id
	}
	return t.BrowserContextID == "" || !b.browser.hasContext(t.BrowserContextID)
}

// Targets returns the targets of the context, ordered by id.
func (b *BrowserContext) Targets() []Target {
	var ts []Target
	for _, t := range b.browser.registry.Targets() {
		if b.owns(t) {
			ts = append(ts, t)
		}
	}
	return ts
}

// Pages returns the open pages of the context, ordered by target id.
func (b *BrowserContext) Pages() []*Page {
	var pages []*Page
	for _, p := range b.browser.Pages() {
		if p.browserCtx == b {
			pages = append(pages, p)
		}
	}
	return pages
}

// On registers a listener for the target notifications of the context.
func (b *BrowserContext) On(l TargetListener) (off func()) {
	return b.browser.registry.On(func(ev TargetEvent) {
		if b.owns(ev.Target) {
			l(ev)
		}
	})
}

// WaitForTarget waits for an initialized target of the context matching
// predicate.
func (b *BrowserContext) WaitForTarget(ctx context.Context, predicate func(Target) bool, timeout time.Duration) (Target, error) {
	return b.browser.registry.WaitForTarget(ctx, func(t Target) bool {
		return b.owns(t) && predicate(t)
	}, timeout)
}

// SetDefaultTimeout sets the default timeout of the waits of the context's
// pages.
func (b *BrowserContext) SetDefaultTimeout(d time.Duration) {
	b.timeouts.SetDefaultTimeout(d)
}

// NewPage opens a blank page in the context and waits for it to be
// initialized.
func (b *BrowserContext) NewPage(ctx context.Context) (*Page, error) {
	b.logger.Debugf("BrowserContext:NewPage", "bctxid:%v", b.id)

	tid, err := domains.NewTarget(b.browser.conn.Root()).CreateTarget(ctx, "about:blank", b.id)
	if err != nil {
		return nil, fmt.Errorf("creating a new blank page: %w", err)
	}
	if _, err := b.browser.registry.WaitForTargetInitialized(ctx, tid, b.timeouts.Timeout()); err != nil {
		return nil, fmt.Errorf("creating a new blank page: %w", err)
	}
	p := b.browser.Page(tid)
	if p == nil {
		return nil, fmt.Errorf("creating a new blank page %v: %w", tid, ErrTargetClosed)
	}

	return p, nil
}

// Close disposes of the context and closes its pages.
func (b *BrowserContext) Close(ctx context.Context) error {
	if b.id == "" {
		return ErrDefaultContext
	}
	b.logger.Debugf("BrowserContext:Close", "bctxid:%v", b.id)

	return b.browser.disposeContext(ctx, b.id)
}
