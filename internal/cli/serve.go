package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/adb"
	"github.com/vburojevic/wvctx/internal/metrics"
	"github.com/vburojevic/wvctx/internal/server"
	"github.com/vburojevic/wvctx/internal/session"
	"github.com/vburojevic/wvctx/internal/webview"
)

// ServeCmd hosts sessions over the WebDriver wire protocol.
type ServeCmd struct {
	DeviceFlags `embed:""`

	Addr string `help:"Listen address (default: serve.addr from config)"`

	newProxy session.ProxyFactory
}

// Run executes the serve command
func (c *ServeCmd) Run(globals *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := globals.Config
	serial := firstNonEmpty(c.Serial, cfg.Defaults.Serial)
	if serial == "" {
		// Sessions may still name a device with the udid capability.
		resolved, err := adb.NewClient(cfg.Defaults.AdbPath, "").ResolveSerial(ctx)
		if err != nil {
			globals.Logger().Warn("no default device", zap.Error(err))
		}
		serial = resolved
	}

	newProxy := c.newProxy
	if newProxy == nil {
		opts, err := chromedriverOptions(globals)
		if err != nil {
			return err
		}
		newProxy = session.ChromedriverFactory(opts)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(server.Options{
		Version:            Version,
		Serial:             serial,
		AppPackage:         firstNonEmpty(c.App, cfg.Defaults.AppPackage),
		DeviceSocket:       firstNonEmpty(c.DeviceSocket, cfg.Defaults.DeviceSocket),
		ChromeOptions:      cfg.Chromedriver.ChromeOptions,
		PerformanceLogging: cfg.Chromedriver.PerformanceLogging,
		ShellFor: func(serial string) webview.Shell {
			return adb.NewClient(cfg.Defaults.AdbPath, serial)
		},
		NewProxy: newProxy,
		Logger:   globals.Logger(),
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})

	addr := firstNonEmpty(c.Addr, cfg.Serve.Addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return outputErrorCommon(globals, "LISTEN_FAILED", fmt.Sprintf("cannot listen on %s: %v", addr, err), "pick another --addr")
	}
	bound := l.Addr().String()

	if !globals.Quiet {
		globals.Writer().WriteReady("serve", serial, firstNonEmpty(c.App, cfg.Defaults.AppPackage), bound, "")
	}
	if err := srv.Serve(ctx, l); err != nil {
		return outputErrorCommon(globals, "SERVE_FAILED", err.Error())
	}
	return nil
}
