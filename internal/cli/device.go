package cli

import (
	"context"
	"strings"

	"github.com/vburojevic/wvctx/internal/adb"
	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/metrics"
	"github.com/vburojevic/wvctx/internal/session"
)

// DeviceFlags select the device and app a command works against.
type DeviceFlags struct {
	Serial       string `short:"s" help:"Device serial (default: config, ANDROID_SERIAL, or the only online device)"`
	App          string `short:"a" help:"Package of the app under test"`
	DeviceSocket string `help:"Only report devtools sockets with this name (e.g. chrome_devtools_remote)"`
}

// device is a resolved device and app, ready to build a session manager.
type device struct {
	client       *adb.Client
	serial       string
	appPackage   string
	deviceSocket string
}

// resolve fills unset flags from config and binds the adb client to a device.
func (f DeviceFlags) resolve(ctx context.Context, globals *Globals, needApp bool) (*device, error) {
	cfg := globals.Config.Defaults
	serial := firstNonEmpty(f.Serial, cfg.Serial)
	app := firstNonEmpty(f.App, cfg.AppPackage)
	socket := firstNonEmpty(f.DeviceSocket, cfg.DeviceSocket)

	if needApp && app == "" {
		return nil, outputErrorCommon(globals, "NO_APP_PACKAGE", "no app package given", "pass --app or set defaults.app_package in the config file")
	}

	client := adb.NewClient(cfg.AdbPath, serial)
	resolved, err := client.ResolveSerial(ctx)
	if err != nil {
		return nil, outputSessionError(globals, err)
	}
	globals.Debug("using device %s for app %q", resolved, app)
	return &device{client: client, serial: resolved, appPackage: app, deviceSocket: socket}, nil
}

// chromedriverOptions builds chromedriver process options from config.
func chromedriverOptions(globals *Globals) (chromedriver.Options, error) {
	cfg := globals.Config.Chromedriver
	timeout, err := cfg.StartTimeoutDuration()
	if err != nil {
		return chromedriver.Options{}, outputErrorCommon(globals, "INVALID_DURATION", err.Error())
	}
	return chromedriver.Options{
		Executable:   cfg.Executable,
		Port:         cfg.Port,
		AdbPort:      cfg.AdbPort,
		Args:         cfg.Args,
		StartTimeout: timeout,
		Logger:       globals.Logger(),
	}, nil
}

// newManager builds a session manager for d. newProxy may be nil to use
// real chromedriver processes.
func (d *device) newManager(globals *Globals, newProxy session.ProxyFactory, shutdown session.ShutdownHandler, m *metrics.Metrics) (*session.Manager, error) {
	if newProxy == nil {
		opts, err := chromedriverOptions(globals)
		if err != nil {
			return nil, err
		}
		newProxy = session.ChromedriverFactory(opts)
	}
	cfg := globals.Config.Chromedriver
	return session.NewManager(session.Options{
		AppPackage:         d.appPackage,
		DeviceSerial:       d.serial,
		DeviceSocket:       d.deviceSocket,
		ChromeOptions:      cfg.ChromeOptions,
		PerformanceLogging: cfg.PerformanceLogging,
		Shell:              d.client,
		NewProxy:           newProxy,
		Shutdown:           shutdown,
		Logger:             globals.Logger(),
		Metrics:            m,
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
