package session

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/metrics"
	"github.com/vburojevic/wvctx/internal/webview"
)

// Registry answers which contexts exist on the device right now.
type Registry struct {
	state        *State
	inspector    *webview.Inspector
	deviceSocket string
	logger       *zap.Logger
	metrics      *metrics.Metrics
	clock        clock.Clock
}

// NewRegistry creates a registry that discovers webviews through inspector.
// deviceSocket, when set, limits discovery to that devtools socket.
func NewRegistry(state *State, inspector *webview.Inspector, deviceSocket string, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		state:        state,
		inspector:    inspector,
		deviceSocket: deviceSocket,
		logger:       logger,
		metrics:      m,
		clock:        clk,
	}
}

// ListContexts inspects the device and returns native followed by every
// webview found. The result replaces the known contexts. Nothing is cached
// between calls.
func (r *Registry) ListContexts(ctx context.Context) ([]domain.Context, error) {
	start := r.clock.Now()
	webviews, err := r.inspector.Webviews(ctx, r.deviceSocket)
	r.metrics.RecordDiscovery(r.clock.Since(start), err)
	if err != nil {
		return nil, err
	}

	contexts := lo.UniqBy(
		append([]domain.Context{domain.NativeContext()}, webviews...),
		func(c domain.Context) string { return c.Name },
	)
	r.logger.Debug("available contexts", zap.Strings("contexts", domain.ContextNames(contexts)))

	r.state.mu.Lock()
	r.state.known = contexts
	r.state.mu.Unlock()
	return append([]domain.Context(nil), contexts...), nil
}

// CurrentContext returns the context commands currently go to.
func (r *Registry) CurrentContext() domain.Context {
	return r.state.currentContext()
}
