package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpn "github.com/chromedp/cdproto/network"
)

// Network exposes the CDP Network domain actions.
type Network interface {
	Enable(context.Context) error
}

var _ Network = &network{}

type network struct {
	exec cdp.Executor
}

// NewNetwork returns a new CDP Network domain wrapper.
func NewNetwork(exec cdp.Executor) Network {
	return &network{exec}
}

func (n *network) Enable(ctx context.Context) error {
	if err := cdpn.Enable().Do(cdp.WithExecutor(ctx, n.exec)); err != nil {
		return fmt.Errorf("enabling network CDP domain: %w", err)
	}

	return nil
}
