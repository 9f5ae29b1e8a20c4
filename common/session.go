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
	"github.com/chromedp/cdproto/target"

	cdpconn "github.com/grafana/cdpcore/cdp"
)

// Session is the part of a protocol session the frame tree, the target
// registry and the wait tasks rely on.
type Session interface {
	cdp.Executor
	ID() target.SessionID
	TargetID() target.ID
	Done() <-chan struct{}
}

var _ Session = &cdpconn.Session{}

func sessionID(s Session) target.SessionID {
	if s == nil {
		return ""
	}
	return s.ID()
}
