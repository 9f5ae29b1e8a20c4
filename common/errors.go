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
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

var (
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("timeout exceeded")
	// ErrFrameDetached matches every DetachedError.
	ErrFrameDetached = errors.New("frame got detached")
	// ErrTargetClosed is returned by waits on a target that was destroyed.
	ErrTargetClosed = errors.New("target closed")
)

// TimeoutError is returned when a wait gives up because its deadline elapsed.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s failed: timeout %dms exceeded", e.Op, e.Timeout.Milliseconds())
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout //nolint:errorlint
}

// DetachedError is returned when the frame backing a wait went away.
type DetachedError struct {
	Op      string
	FrameID cdp.FrameID
}

func (e *DetachedError) Error() string {
	return fmt.Sprintf("%s failed: frame got detached", e.Op)
}

// Is makes errors.Is(err, ErrFrameDetached) hold.
func (e *DetachedError) Is(target error) bool {
	return target == ErrFrameDetached //nolint:errorlint
}
