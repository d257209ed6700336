package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/session"
)

// SwitchCmd switches the session to a context.
type SwitchCmd struct {
	DeviceFlags `embed:""`

	Name string `arg:"" optional:"" help:"Context to switch to (empty or NATIVE_APP for native, WEBVIEW for the app's own webview)"`
	Hold bool   `help:"Keep chromedriver attached until interrupted or until it quits"`
	For  string `help:"With --hold, release after this duration (e.g. 30s)"`

	newProxy session.ProxyFactory
	clock    clock.Clock
}

// Run executes the switch command
func (c *SwitchCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, c.Hold); err != nil {
		return err
	}
	var holdFor time.Duration
	if c.For != "" {
		d, err := time.ParseDuration(c.For)
		if err != nil {
			return outputErrorCommon(globals, "INVALID_DURATION", fmt.Sprintf("invalid --for %q: %v", c.For, err))
		}
		holdFor = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := c.DeviceFlags.resolve(ctx, globals, true)
	if err != nil {
		return err
	}

	// A chromedriver quitting under the held context ends the hold.
	crashed := make(chan error, 1)
	shutdown := session.ShutdownFunc(func(err error) {
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

	from := mgr.CurrentContext()
	if err := mgr.SetContext(ctx, c.Name); err != nil {
		return outputSessionError(globals, err)
	}
	to := mgr.CurrentContext()
	snap := mgr.Snapshot()

	w := globals.Writer()
	if err := w.WriteSwitch(domain.NewContextSwitch(from, to, snap.ProxyEnabled, len(snap.Proxies))); err != nil {
		return err
	}
	if !c.Hold {
		return nil
	}

	if !globals.Quiet {
		w.WriteReady("hold", dev.serial, dev.appPackage, "", to.Name)
	}

	clk := c.clock
	if clk == nil {
		clk = clock.New()
	}
	var timeout <-chan time.Time
	if holdFor > 0 {
		timer := clk.Timer(holdFor)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		globals.Debug("released %s on signal", to.Name)
		return nil
	case <-timeout:
		globals.Debug("released %s after %s", to.Name, holdFor)
		return nil
	case err := <-crashed:
		w.WriteProxyStopped(domain.NewProxyStopped(to.Name, true, err.Error()))
		return outputSessionError(globals, err)
	}
}
