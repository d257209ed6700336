package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/domain"
)

// Proxy is a chromedriver-like process that holds a WebDriver session
// against a single webview.
type Proxy interface {
	Start(ctx context.Context, caps chromedriver.Capabilities) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	HasWorkingWebview(ctx context.Context) bool
	ProxyRequest(w http.ResponseWriter, r *http.Request)
	Subscribe(fn func(chromedriver.State)) (unsubscribe func())
}

// ProxyFactory creates an unstarted proxy for a context.
type ProxyFactory func(c domain.Context) Proxy

// ShutdownHandler is told when the proxy serving the current context dies.
// The session cannot continue after that.
type ShutdownHandler interface {
	StartUnexpectedShutdown(err error)
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(err error)

func (f ShutdownFunc) StartUnexpectedShutdown(err error) { f(err) }

type proxyHandle struct {
	context     domain.Context
	proxy       Proxy
	unsubscribe func()
	createdAt   time.Time
}

// State is the per-session context state shared by the registry, the
// supervisor and the switch controller. mu guards every field and is never
// held across device or proxy I/O.
type State struct {
	mu           sync.Mutex
	current      domain.Context
	known        []domain.Context
	proxies      map[string]*proxyHandle
	restarting   string
	active       *proxyHandle
	proxyEnabled bool
}

// NewState returns the state of a fresh session: native and nothing else.
func NewState() *State {
	return &State{
		current: domain.NativeContext(),
		known:   []domain.Context{domain.NativeContext()},
		proxies: make(map[string]*proxyHandle),
	}
}

// ProxyInfo describes a tracked proxy.
type ProxyInfo struct {
	Context   string    `json:"context"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Current      domain.Context   `json:"current"`
	Known        []domain.Context `json:"known"`
	Proxies      []ProxyInfo      `json:"proxies"`
	Restarting   string           `json:"restarting,omitempty"`
	ProxyEnabled bool             `json:"proxy_enabled"`
}

// ActiveProxy returns the context of the proxy receiving commands, if any.
func (s Snapshot) ActiveProxy() (string, bool) {
	p, ok := lo.Find(s.Proxies, func(p ProxyInfo) bool { return p.Active })
	return p.Context, ok
}

func (s *State) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := lo.Keys(s.proxies)
	sort.Strings(names)
	proxies := lo.Map(names, func(name string, _ int) ProxyInfo {
		h := s.proxies[name]
		return ProxyInfo{Context: name, Active: h == s.active, CreatedAt: h.createdAt}
	})
	return Snapshot{
		Current:      s.current,
		Known:        append([]domain.Context(nil), s.known...),
		Proxies:      proxies,
		Restarting:   s.restarting,
		ProxyEnabled: s.proxyEnabled,
	}
}

func (s *State) currentContext() domain.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *State) setRestarting(name string) {
	s.mu.Lock()
	s.restarting = name
	s.mu.Unlock()
}

// counts returns the gauges exported for the proxy table.
func (s *State) counts() (tracked int, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proxies), s.active != nil
}
