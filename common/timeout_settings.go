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
	"time"
)

// TimeoutSettings hold the default timeout of a browser, a browser context
// or a page. Unset settings fall back to their parent's.
type TimeoutSettings struct {
	parent *TimeoutSettings

	mu             sync.RWMutex
	defaultTimeout *time.Duration
}

// NewTimeoutSettings returns settings inheriting from parent, which may
// be nil.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

// SetDefaultTimeout sets the timeout of waits. Zero means unbounded.
func (t *TimeoutSettings) SetDefaultTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &d
}

// Timeout returns the effective default timeout.
func (t *TimeoutSettings) Timeout() time.Duration {
	t.mu.RLock()
	d := t.defaultTimeout
	t.mu.RUnlock()

	switch {
	case d != nil:
		return *d
	case t.parent != nil:
		return t.parent.Timeout()
	default:
		return DefaultTimeout
	}
}
