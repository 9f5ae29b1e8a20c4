package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	Enable(context.Context) error
	SetLifecycleEventsEnabled(ctx context.Context, enabled bool) error
	GetFrameTree(context.Context) (*cdpp.FrameTree, error)
	Navigate(ctx context.Context, url, referrer string, frameID cdp.FrameID) (cdp.LoaderID, error)
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) SetLifecycleEventsEnabled(ctx context.Context, enabled bool) error {
	action := cdpp.SetLifecycleEventsEnabled(enabled)
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page lifecycle events: %w", err)
	}

	return nil
}

func (p *page) GetFrameTree(ctx context.Context) (*cdpp.FrameTree, error) {
	tree, err := cdpp.GetFrameTree().Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("getting frame tree: %w", err)
	}

	return tree, nil
}

// Navigate returns the loader id of the new document. It is empty for a
// same-document navigation.
func (p *page) Navigate(ctx context.Context, url, referrer string, frameID cdp.FrameID) (cdp.LoaderID, error) {
	action := cdpp.Navigate(url).WithReferrer(referrer).WithFrameID(frameID)

	_, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return loaderID, nil
}
