package session

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/metrics"
)

// Switch results recorded in metrics.
const (
	switchOK          = "ok"
	switchNoop        = "noop"
	switchNoSuch      = "no_such_context"
	switchUnsupported = "unsupported"
	switchError       = "error"
)

// Controller moves the session between contexts.
type Controller struct {
	registry   *Registry
	supervisor *Supervisor
	appPackage string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewController creates a controller. appPackage is what a bare WEBVIEW
// request resolves to.
func NewController(registry *Registry, supervisor *Supervisor, appPackage string, logger *zap.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		registry:   registry,
		supervisor: supervisor,
		appPackage: appPackage,
		logger:     logger,
		metrics:    m,
	}
}

// Normalize maps the empty name to native and WEBVIEW to the app's webview.
func (c *Controller) Normalize(name string) string {
	switch name {
	case "":
		return domain.NativeContextName
	case domain.WebviewContext:
		return domain.WebviewPrefix + c.appPackage
	}
	return name
}

// SetContext switches to the named context. The device is inspected on every
// call, so only contexts that exist right now can be entered.
func (c *Controller) SetContext(ctx context.Context, name string) error {
	name = c.Normalize(name)

	contexts, err := c.registry.ListContexts(ctx)
	if err != nil {
		if name != domain.NativeContextName {
			c.metrics.RecordSwitch(switchError)
			return err
		}
		// native never depends on the device
		c.logger.Warn("context discovery failed, switching to native anyway", zap.Error(err))
		contexts = []domain.Context{domain.NativeContext()}
	}
	target, ok := lo.Find(contexts, func(x domain.Context) bool { return x.Name == name })
	if !ok {
		c.metrics.RecordSwitch(switchNoSuch)
		return fmt.Errorf("%w: %s", domain.ErrNoSuchContext, name)
	}

	current := c.registry.CurrentContext()
	if target.Name == current.Name {
		c.metrics.RecordSwitch(switchNoop)
		return nil
	}

	switch {
	case target.Capable():
		var suspended *proxyHandle
		if current.Capable() {
			suspended = c.supervisor.Detach(current)
		}
		if err := c.supervisor.Attach(ctx, target); err != nil {
			if suspended != nil {
				c.supervisor.resume(suspended, current)
			}
			c.metrics.RecordSwitch(switchError)
			return err
		}

	case current.Capable():
		c.supervisor.Detach(target)

	default:
		c.metrics.RecordSwitch(switchUnsupported)
		return fmt.Errorf("%w: %s to %s", domain.ErrUnsupportedContextTransition, current, target)
	}

	c.metrics.RecordSwitch(switchOK)
	c.logger.Info("switched context", zap.String("from", current.Name), zap.String("to", target.Name))
	return nil
}
