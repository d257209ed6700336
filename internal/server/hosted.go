package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/session"
)

// hostedSession is one WebDriver session served by the front.
type hostedSession struct {
	id        string
	caps      map[string]any
	createdAt time.Time
	manager   *session.Manager
	logger    *zap.Logger
	onFatal   func(id string, err error)

	once sync.Once
}

// StartUnexpectedShutdown ends the session after its foreground chromedriver
// died. It runs on the chromedriver's monitor goroutine, so the teardown is
// handed off.
func (h *hostedSession) StartUnexpectedShutdown(err error) {
	h.once.Do(func() {
		h.logger.Error("ending session after unexpected chromedriver exit", zap.Error(err))
		go h.onFatal(h.id, err)
	})
}

func (h *hostedSession) close(ctx context.Context) {
	h.manager.Close(ctx)
}
