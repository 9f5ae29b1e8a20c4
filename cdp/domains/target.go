package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	CreateBrowserContext(ctx context.Context, disposeOnDetach bool) (id cdp.BrowserContextID, err error)
	DisposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error
	CreateTarget(ctx context.Context, url string, bctxID cdp.BrowserContextID) (cdpt.ID, error)
	CloseTarget(ctx context.Context, id cdpt.ID) error
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	SetAutoAttach(ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool) error
	SetDiscoverTargets(ctx context.Context, discover bool) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) CreateBrowserContext(ctx context.Context, disposeOnDetach bool) (cdp.BrowserContextID, error) {
	action := cdpt.CreateBrowserContext().WithDisposeOnDetach(disposeOnDetach)
	bctxID, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating browser context: %w", err)
	}

	return bctxID, nil
}

func (t *target) DisposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error {
	action := cdpt.DisposeBrowserContext(id)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("disposing browser context %s: %w", id, err)
	}

	return nil
}

// CreateTarget opens url in a new page of the given browser context. An
// empty bctxID creates the page in the default context.
func (t *target) CreateTarget(ctx context.Context, url string, bctxID cdp.BrowserContextID) (cdpt.ID, error) {
	action := cdpt.CreateTarget(url)
	if bctxID != "" {
		action = action.WithBrowserContextID(bctxID)
	}
	tid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", url, err)
	}

	return tid, nil
}

func (t *target) CloseTarget(ctx context.Context, id cdpt.ID) error {
	if err := cdpt.CloseTarget(id).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("closing target %s: %w", id, err)
	}

	return nil
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := cdpt.GetTargets().Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("getting targets: %w", err)
	}

	return infos, nil
}

// SetAutoAttach executes the CDP Target.setAutoAttach command.
func (t *target) SetAutoAttach(ctx context.Context, autoAttach, waitForDebuggerOnStart, flatten bool) error {
	action := cdpt.SetAutoAttach(autoAttach, waitForDebuggerOnStart).WithFlatten(flatten)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setAutoAttach: %w", err)
	}

	// Target.setAutoAttach has a bug where it does not wait for new Targets being attached.
	// However making a dummy call afterwards fixes this.
	// This can be removed after https://chromium-review.googlesource.com/c/chromium/src/+/2885888 lands in stable.
	action2 := cdpt.GetTargetInfo()
	if _, err := action2.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing getTargetInfo: %w", err)
	}

	return nil
}

func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	if err := cdpt.SetDiscoverTargets(discover).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setDiscoverTargets: %w", err)
	}

	return nil
}
