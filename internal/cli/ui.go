package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vburojevic/wvctx/internal/session"
	"github.com/vburojevic/wvctx/internal/tui"
)

// UICmd launches an interactive context picker
type UICmd struct {
	DeviceFlags `embed:""`

	newProxy session.ProxyFactory
}

// Run executes the UI command
func (c *UICmd) Run(globals *Globals) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dev, err := c.DeviceFlags.resolve(ctx, globals, true)
	if err != nil {
		return err
	}

	crashed := make(chan error, 1)
	shutdown := session.ShutdownFunc(func(err error) {
		globals.Logger().Sugar().Warnw("chromedriver stopped", "error", err)
		select {
		case crashed <- err:
		default:
		}
	})
	mgr, err := dev.newManager(globals, c.newProxy, shutdown, nil)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())

	p := tea.NewProgram(tui.New(ctx, mgr, dev.appPackage, dev.serial), tea.WithAltScreen())

	go func() {
		for {
			select {
			case err := <-crashed:
				p.Send(tui.ProxyStoppedMsg{Err: err})
			case <-ctx.Done():
				p.Quit()
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
