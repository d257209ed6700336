package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/metrics"
	"github.com/vburojevic/wvctx/internal/webview"
)

// Options configure a Manager.
type Options struct {
	AppPackage         string
	DeviceSerial       string
	DeviceSocket       string
	ChromeOptions      map[string]any
	PerformanceLogging bool

	Shell    webview.Shell
	NewProxy ProxyFactory
	Shutdown ShutdownHandler
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Manager is the context state of one automation session. Commands are
// serialized; proxy crash notifications may arrive at any time.
type Manager struct {
	ops        sync.Mutex
	state      *State
	registry   *Registry
	supervisor *Supervisor
	controller *Controller
	logger     *zap.Logger
}

// NewManager wires a registry, supervisor and controller around fresh state.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("app_package", opts.AppPackage))
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	state := NewState()
	inspector := webview.NewInspector(opts.Shell, logger)
	registry := NewRegistry(state, inspector, opts.DeviceSocket, logger, opts.Metrics, clk)
	supervisor := NewSupervisor(state, opts.NewProxy, chromedriver.SessionOptions{
		AppPackage:         opts.AppPackage,
		DeviceSerial:       opts.DeviceSerial,
		DeviceSocket:       opts.DeviceSocket,
		ChromeOptions:      opts.ChromeOptions,
		PerformanceLogging: opts.PerformanceLogging,
	}, opts.Shutdown, logger, opts.Metrics, clk)

	return &Manager{
		state:      state,
		registry:   registry,
		supervisor: supervisor,
		controller: NewController(registry, supervisor, opts.AppPackage, logger, opts.Metrics),
		logger:     logger,
	}
}

// CurrentContext returns the context commands currently go to.
func (m *Manager) CurrentContext() domain.Context {
	return m.registry.CurrentContext()
}

// Contexts inspects the device and returns every available context.
func (m *Manager) Contexts(ctx context.Context) ([]domain.Context, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.registry.ListContexts(ctx)
}

// SetContext switches to the named context.
func (m *Manager) SetContext(ctx context.Context, name string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.controller.SetContext(ctx, name)
}

// ProxyActive reports whether commands are being forwarded to a chromedriver.
func (m *Manager) ProxyActive() bool {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return m.state.proxyEnabled && m.state.active != nil
}

// ProxyRequest forwards r to the active chromedriver. It returns
// domain.ErrProxyNotActive when the current context is not a webview.
func (m *Manager) ProxyRequest(w http.ResponseWriter, r *http.Request) error {
	return m.supervisor.ProxyRequest(w, r)
}

// Snapshot returns a copy of the session's context state.
func (m *Manager) Snapshot() Snapshot {
	return m.state.snapshot()
}

// Close stops every chromedriver and returns the session to native.
func (m *Manager) Close(ctx context.Context) {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.logger.Debug("stopping all chromedrivers")
	m.supervisor.StopAll(ctx)
}
