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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpcore/env"
)

// DefaultTimeout is the timeout of waits and navigations when no other
// timeout is set.
const DefaultTimeout = 30 * time.Second

// Options configure a Browser.
type Options struct {
	WSURL             string
	Timeout           time.Duration
	NetworkIdleTime   time.Duration
	Debug             bool
	LogCategoryFilter string
	TracesEndpoint    string
	TracesMetadata    map[string]string
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		Timeout:         DefaultTimeout,
		NetworkIdleTime: DefaultNetworkIdleTime,
		TracesMetadata:  make(map[string]string),
	}
}

// Parse reads the options from the environment.
func (o *Options) Parse(lookup env.LookupFunc) error {
	if v, ok := lookup(env.WebSocketURL); ok {
		o.WSURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(env.Timeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.Timeout, err)
		}
		o.Timeout = d
	}
	if v, ok := lookup(env.NetworkIdleTime); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.NetworkIdleTime, err)
		}
		if d == 0 {
			return fmt.Errorf("parsing %s: idle time must be greater than zero", env.NetworkIdleTime)
		}
		o.NetworkIdleTime = d
	}
	o.Debug = env.IsTruthy(lookup, env.Debug)
	if v, ok := lookup(env.LogCategoryFilter); ok {
		o.LogCategoryFilter = v
	}
	if v, ok := lookup(env.TracesEndpoint); ok {
		o.TracesEndpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup(env.TracesMetadata); ok {
		md, err := parseMetadata(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.TracesMetadata, err)
		}
		o.TracesMetadata = md
	}

	return nil
}

// parseDuration accepts Go durations and plain milliseconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	d, err := time.ParseDuration(s)
	if err != nil {
		ms, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMetadata(s string) (map[string]string, error) {
	md := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		if strings.TrimSpace(kv) == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", kv)
		}
		md[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return md, nil
}

// timeoutOf returns the timeout in milliseconds of a JSON option: the
// default when unset, unbounded when zero.
func timeoutOf(v null.Int, def time.Duration) (time.Duration, error) {
	if !v.Valid {
		return def, nil
	}
	if v.Int64 < 0 {
		return 0, fmt.Errorf("invalid timeout %d: must not be negative", v.Int64)
	}
	return time.Duration(v.Int64) * time.Millisecond, nil
}

// WaitForSelectorOptions are the options of Page.WaitForSelector. State is
// one of "attached", "visible" or "hidden". Interval and Timeout are in
// milliseconds.
type WaitForSelectorOptions struct {
	State    string   `json:"state"`
	Polling  string   `json:"polling"`
	Interval null.Int `json:"interval"`
	Timeout  null.Int `json:"timeout"`
}

// ParseWaitForSelectorOptions decodes JSON options. Empty data gives the
// defaults.
func ParseWaitForSelectorOptions(data []byte) (*WaitForSelectorOptions, error) {
	var o WaitForSelectorOptions
	if err := decodeOptions(data, &o); err != nil {
		return nil, fmt.Errorf("parsing wait for selector options: %w", err)
	}
	if _, err := o.visibility(); err != nil {
		return nil, err
	}
	if _, err := parsePolling(o.Polling, o.Interval); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *WaitForSelectorOptions) visibility() (Visibility, error) {
	if o == nil {
		return VisibilityAny, nil
	}
	switch o.State {
	case "", "attached":
		return VisibilityAny, nil
	case "visible":
		return VisibilityVisible, nil
	case "hidden":
		return VisibilityHidden, nil
	default:
		return VisibilityAny, fmt.Errorf("invalid state %q: must be attached, visible or hidden", o.State)
	}
}

// WaitForFunctionOptions are the options of Page.WaitForFunction.
type WaitForFunctionOptions struct {
	Polling  string   `json:"polling"`
	Interval null.Int `json:"interval"`
	Timeout  null.Int `json:"timeout"`
}

// ParseWaitForFunctionOptions decodes JSON options.
func ParseWaitForFunctionOptions(data []byte) (*WaitForFunctionOptions, error) {
	var o WaitForFunctionOptions
	if err := decodeOptions(data, &o); err != nil {
		return nil, fmt.Errorf("parsing wait for function options: %w", err)
	}
	if _, err := parsePolling(o.Polling, o.Interval); err != nil {
		return nil, err
	}
	return &o, nil
}

// WaitForNavigationOptions are the options of Page.WaitForNavigation.
type WaitForNavigationOptions struct {
	// Kind is one of "new_document", "same_document" or "any".
	Kind    string   `json:"kind"`
	Timeout null.Int `json:"timeout"`
}

func (o *WaitForNavigationOptions) kind() (NavigationKind, error) {
	if o == nil {
		return NavigationNewDocument, nil
	}
	switch o.Kind {
	case "", "new_document":
		return NavigationNewDocument, nil
	case "same_document":
		return NavigationSameDocument, nil
	case "any":
		return NavigationAny, nil
	default:
		return NavigationNewDocument, fmt.Errorf("invalid navigation kind %q", o.Kind)
	}
}

// WaitForNetworkIdleOptions are the options of Page.WaitForNetworkIdle.
type WaitForNetworkIdleOptions struct {
	// IdleTime is the quiet window in milliseconds.
	IdleTime null.Int `json:"idleTime"`
	Timeout  null.Int `json:"timeout"`
}

// ParseWaitForNetworkIdleOptions decodes JSON options.
func ParseWaitForNetworkIdleOptions(data []byte) (*WaitForNetworkIdleOptions, error) {
	var o WaitForNetworkIdleOptions
	if err := decodeOptions(data, &o); err != nil {
		return nil, fmt.Errorf("parsing wait for network idle options: %w", err)
	}
	if o.IdleTime.Valid && o.IdleTime.Int64 <= 0 {
		return nil, errors.New("invalid idle time: must be greater than zero")
	}
	return &o, nil
}

func decodeOptions(data []byte, v any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func parsePolling(s string, interval null.Int) (Polling, error) {
	switch s {
	case "":
		if interval.Valid {
			return pollingInterval(interval)
		}
		return Polling{}, nil
	case "raf":
		return Polling{Kind: PollingRAF}, nil
	case "mutation":
		return Polling{Kind: PollingMutation}, nil
	case "none":
		return Polling{Kind: PollingNone}, nil
	case "interval":
		return pollingInterval(interval)
	default:
		return Polling{}, fmt.Errorf("invalid polling %q: must be raf, mutation, interval or none", s)
	}
}

func pollingInterval(interval null.Int) (Polling, error) {
	if !interval.Valid || interval.Int64 <= 0 {
		return Polling{}, errors.New("interval polling needs an interval greater than zero")
	}
	return PollingEvery(time.Duration(interval.Int64) * time.Millisecond), nil
}
