package domains

import (
	"context"
	"fmt"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Browser exposes the CDP Browser domain actions.
type Browser interface {
	Close(ctx context.Context) error
	GetVersion(ctx context.Context) (
		protocolVersion, product, revision, userAgent, jsVersion string, err error,
	)
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

// Close asks the browser to exit. The browser drops the connection
// instead of replying when it exits quickly.
func (b *browser) Close(ctx context.Context) error {
	if err := cdpb.Close().Do(cdp.WithExecutor(ctx, b.exec)); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}

	return nil
}

func (b *browser) GetVersion(ctx context.Context) (
	protocolVersion, product, revision, userAgent, jsVersion string, err error,
) {
	protocolVersion, product, revision, userAgent, jsVersion, err = cdpb.GetVersion().Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		err = fmt.Errorf("executing getVersion: %w", err)
	}

	return
}
