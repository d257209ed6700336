package session

import (
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/domain"
)

// ChromedriverFactory returns a factory of real chromedriver proxies. With
// Port unset every proxy gets its own free port so several can run at once.
func ChromedriverFactory(opts chromedriver.Options) ProxyFactory {
	return func(c domain.Context) Proxy {
		o := opts
		if o.Port == 0 {
			if port, err := chromedriver.FreePort(); err == nil {
				o.Port = port
			}
		}
		if o.Logger != nil {
			o.Logger = o.Logger.With(zap.String("context", c.Name))
		}
		return chromedriver.New(o)
	}
}
