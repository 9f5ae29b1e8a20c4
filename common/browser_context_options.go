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
	"fmt"

	"gopkg.in/guregu/null.v3"
)

// BrowserContextOptions configure a new browser context. Timeout is the
// default timeout of the context's waits in milliseconds.
type BrowserContextOptions struct {
	DisposeOnDetach bool     `json:"disposeOnDetach"`
	Timeout         null.Int `json:"timeout"`
}

// NewBrowserContextOptions creates a default set of browser context options.
func NewBrowserContextOptions() *BrowserContextOptions {
	return &BrowserContextOptions{
		DisposeOnDetach: true,
	}
}

// ParseBrowserContextOptions decodes JSON options over the defaults.
func ParseBrowserContextOptions(data []byte) (*BrowserContextOptions, error) {
	o := NewBrowserContextOptions()
	if err := decodeOptions(data, o); err != nil {
		return nil, fmt.Errorf("parsing browser context options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate validates the browser context options.
func (o *BrowserContextOptions) Validate() error {
	if o.Timeout.Valid && o.Timeout.Int64 < 0 {
		return fmt.Errorf("invalid timeout %d: precondition 0 <= TIMEOUT failed", o.Timeout.Int64)
	}
	return nil
}
