package cdp

import (
	"context"

	"github.com/chromedp/cdproto/target"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID returns a context that routes commands executed through
// Connection.Execute to the given session.
func WithSessionID(ctx context.Context, sessionID target.SessionID) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session id stored in ctx, or the root
// session id if there is none.
func GetSessionID(ctx context.Context) target.SessionID {
	v := ctx.Value(ctxKeySessionID)
	if sid, ok := v.(target.SessionID); ok {
		return sid
	}
	return ""
}
