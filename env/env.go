// Package env provides types to interact with environment setup.
package env

import (
	"os"
	"strconv"
	"strings"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ConstLookup is a LookupFunc that always returns the given value and true
// if the key matches the given key. Otherwise, it returns an empty string and
// false. It's useful in tests.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup returns a LookupFunc backed by a map.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// Variables read by this module.
const (
	// WebSocketURL is the browser's DevTools websocket URL.
	WebSocketURL = "CDP_WS_URL"

	// Timeout is the default timeout for waits, e.g. "30s".
	Timeout = "CDP_TIMEOUT"

	// NetworkIdleTime is the quiet window for network idle waits, e.g. "500ms".
	NetworkIdleTime = "CDP_NETWORK_IDLE_TIME"

	// Debug enables debug logging of protocol traffic.
	Debug = "CDP_DEBUG"

	// LogCategoryFilter is a regular expression matched against log categories.
	LogCategoryFilter = "CDP_LOG_CATEGORY_FILTER"

	// TracesMetadata is a comma separated key=value list added to every span.
	TracesMetadata = "CDP_TRACES_METADATA"

	// TracesEndpoint is the OTLP/HTTP endpoint traces are exported to.
	// Tracing is disabled when it is empty.
	TracesEndpoint = "CDP_TRACES_ENDPOINT"
)

// IsTruthy reports whether key is set to a true value.
func IsTruthy(lookup LookupFunc, key string) bool {
	v, ok := lookup(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
