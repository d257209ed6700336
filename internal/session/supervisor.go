package session

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/metrics"
)

// Supervisor owns the proxy table: it starts, reuses, restarts and stops
// one proxy per webview context and tracks which one receives commands.
type Supervisor struct {
	state       *State
	newProxy    ProxyFactory
	sessionOpts chromedriver.SessionOptions
	shutdown    ShutdownHandler
	logger      *zap.Logger
	metrics     *metrics.Metrics
	clock       clock.Clock
}

// NewSupervisor creates a supervisor. shutdown may be nil, in which case a
// dead foreground proxy is only logged.
func NewSupervisor(state *State, newProxy ProxyFactory, opts chromedriver.SessionOptions, shutdown ShutdownHandler, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		state:       state,
		newProxy:    newProxy,
		sessionOpts: opts,
		shutdown:    shutdown,
		logger:      logger,
		metrics:     m,
		clock:       clk,
	}
}

// Attach makes a proxy for target the active one and target the current
// context. An existing proxy is reused if its webview still answers, restarted
// in place if not; otherwise a new proxy is started.
func (s *Supervisor) Attach(ctx context.Context, target domain.Context) error {
	log := s.logger.With(zap.String("context", target.Name))
	log.Debug("connecting to chrome-backed webview")

	s.state.mu.Lock()
	if s.state.active != nil {
		active := s.state.active.context.Name
		s.state.mu.Unlock()
		return fmt.Errorf("%w: %s is still attached", domain.ErrProxyAlreadyActive, active)
	}
	h, reuse := s.state.proxies[target.Name]
	s.state.mu.Unlock()

	var err error
	if reuse {
		log.Debug("found existing chromedriver for context")
		err = s.revive(ctx, h)
		if err == nil && !s.tracked(h) {
			// Dropped as crashed while being checked; whatever revive brought
			// back is unsubscribed, so replace it.
			log.Debug("chromedriver was dropped while reconnecting, starting a new one")
			s.discard(ctx, h)
			h, err = s.startNew(ctx, target)
		}
	} else {
		h, err = s.startNew(ctx, target)
	}
	if err != nil {
		return err
	}

	s.state.mu.Lock()
	s.state.proxies[target.Name] = h
	s.state.active = h
	s.state.proxyEnabled = true
	s.state.current = target
	tracked := len(s.state.proxies)
	s.state.mu.Unlock()

	s.metrics.SetProxies(tracked, true)
	return nil
}

// revive checks a tracked proxy and restarts it when its webview is gone.
// A proxy that fails to restart is dropped from the table.
func (s *Supervisor) revive(ctx context.Context, h *proxyHandle) error {
	if h.proxy.HasWorkingWebview(ctx) {
		return nil
	}

	name := h.context.Name
	s.logger.Debug("chromedriver is not associated with a window, re-initializing the session", zap.String("context", name))
	s.state.setRestarting(name)
	err := h.proxy.Restart(ctx)
	s.state.setRestarting("")
	if err != nil {
		s.discard(ctx, h)
		return fmt.Errorf("restart chromedriver for %s: %w", name, err)
	}
	s.metrics.RecordProxyRestart()
	return nil
}

func (s *Supervisor) startNew(ctx context.Context, target domain.Context) (*proxyHandle, error) {
	caps := chromedriver.BuildCapabilities(s.sessionOpts, s.logger)

	p := s.newProxy(target)
	if err := p.Start(ctx, caps); err != nil {
		if stopErr := p.Stop(ctx); stopErr != nil {
			s.logger.Warn("error cleaning up chromedriver after failed start", zap.String("context", target.Name), zap.Error(stopErr))
		}
		return nil, fmt.Errorf("start chromedriver for %s: %w", target.Name, err)
	}

	h := &proxyHandle{context: target, proxy: p, createdAt: s.clock.Now()}
	h.unsubscribe = p.Subscribe(func(st chromedriver.State) {
		if st == chromedriver.StateStopped {
			s.onUnexpectedStop(h)
		}
	})
	s.metrics.RecordProxyCreated()
	s.logger.Info("chromedriver started", zap.String("context", target.Name))
	return h, nil
}

// Detach stops forwarding commands and makes next the current context. The
// previously active proxy keeps running in the table and is returned so it
// can be resumed.
func (s *Supervisor) Detach(next domain.Context) *proxyHandle {
	s.state.mu.Lock()
	h := s.state.active
	s.state.active = nil
	s.state.proxyEnabled = false
	s.state.current = next
	tracked := len(s.state.proxies)
	s.state.mu.Unlock()

	s.metrics.SetProxies(tracked, false)
	if h != nil {
		s.logger.Debug("detached from chromedriver", zap.String("context", h.context.Name))
	}
	return h
}

// resume reactivates a proxy suspended by Detach, unless it died meanwhile.
func (s *Supervisor) resume(h *proxyHandle, current domain.Context) {
	s.state.mu.Lock()
	ok := s.state.active == nil && s.state.proxies[h.context.Name] == h
	if ok {
		s.state.active = h
		s.state.proxyEnabled = true
		s.state.current = current
	}
	tracked := len(s.state.proxies)
	s.state.mu.Unlock()

	if ok {
		s.metrics.SetProxies(tracked, true)
	}
}

// onUnexpectedStop handles a proxy that reached the stopped state on its own.
func (s *Supervisor) onUnexpectedStop(h *proxyHandle) {
	name := h.context.Name

	s.state.mu.Lock()
	switch {
	case name == s.state.restarting:
		s.state.mu.Unlock()
		s.metrics.RecordProxyStop(metrics.StopRestarting)
		s.logger.Debug("chromedriver stopped while restarting", zap.String("context", name))
		return

	case name == s.state.current.Name:
		s.state.mu.Unlock()
		err := fmt.Errorf("%w: chromedriver for context %s quit unexpectedly during session", domain.ErrProxyStopped, name)
		s.metrics.RecordProxyStop(metrics.StopForeground)
		s.logger.Error("chromedriver for the current context died", zap.String("context", name), zap.Error(err))
		if s.shutdown != nil {
			s.shutdown.StartUnexpectedShutdown(err)
		}
		return
	}

	removed := s.state.proxies[name] == h
	if removed {
		delete(s.state.proxies, name)
	}
	tracked := len(s.state.proxies)
	active := s.state.active != nil
	s.state.mu.Unlock()

	if !removed {
		return
	}
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	s.metrics.RecordProxyStop(metrics.StopBackground)
	s.metrics.SetProxies(tracked, active)
	s.logger.Warn("chromedriver for background context quit unexpectedly, dropping it", zap.String("context", name))
}

// tracked reports whether h is still the table entry for its context.
func (s *Supervisor) tracked(h *proxyHandle) bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.proxies[h.context.Name] == h
}

// discard drops h from the table and stops it, best effort.
func (s *Supervisor) discard(ctx context.Context, h *proxyHandle) {
	s.state.mu.Lock()
	if s.state.proxies[h.context.Name] == h {
		delete(s.state.proxies, h.context.Name)
	}
	tracked := len(s.state.proxies)
	active := s.state.active != nil
	s.state.mu.Unlock()
	s.metrics.SetProxies(tracked, active)

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	if err := h.proxy.Stop(ctx); err != nil {
		s.logger.Warn("error stopping chromedriver", zap.String("context", h.context.Name), zap.Error(err))
	}
}

// StopAll stops every tracked proxy and returns the session to native.
// Stop failures are logged and otherwise ignored.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.state.mu.Lock()
	names := lo.Keys(s.state.proxies)
	sort.Strings(names)
	handles := lo.Map(names, func(name string, _ int) *proxyHandle { return s.state.proxies[name] })
	s.state.proxies = make(map[string]*proxyHandle)
	s.state.active = nil
	s.state.proxyEnabled = false
	s.state.restarting = ""
	s.state.current = domain.NativeContext()
	s.state.mu.Unlock()
	s.metrics.SetProxies(0, false)

	for _, h := range handles {
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
		s.logger.Debug("stopping chromedriver", zap.String("context", h.context.Name))
		if err := h.proxy.Stop(ctx); err != nil {
			s.logger.Warn("error stopping chromedriver", zap.String("context", h.context.Name), zap.Error(err))
		}
	}
}

// ProxyRequest forwards r to the active proxy.
func (s *Supervisor) ProxyRequest(w http.ResponseWriter, r *http.Request) error {
	s.state.mu.Lock()
	h, enabled := s.state.active, s.state.proxyEnabled
	s.state.mu.Unlock()

	if h == nil || !enabled {
		return domain.ErrProxyNotActive
	}
	h.proxy.ProxyRequest(w, r)
	return nil
}
