package cli

import (
	"context"
	"os"

	"golang.org/x/term"

	"github.com/yllada/vpn-orchestrator/control"
	"github.com/yllada/vpn-orchestrator/ui"
)

// Watch follows state changes until interrupted. Terminals get the live
// view; pipes get one line per change.
func (c *CLI) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan control.StatusResponse)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(updates)
		errs <- c.client.Watch(ctx, func(s control.StatusResponse) bool {
			select {
			case updates <- s:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	if f, ok := c.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return ui.RunWatch(ctx, updates, errs)
	}
	ui.PrintWatch(c.out, updates)
	return <-errs
}
