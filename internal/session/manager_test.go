package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/wvctx/internal/domain"
)

const (
	appWebview   = "WEBVIEW_com.example.app"
	otherWebview = "WEBVIEW_com.other.app"
)

func TestContextsListsNativeFirst(t *testing.T) {
	ts := newTestSession(t)

	got, err := ts.Contexts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{domain.NativeContextName, appWebview, otherWebview}, domain.ContextNames(got))
	assert.Equal(t, domain.NativeContextName, ts.CurrentContext().Name)
}

func TestContextsDiscoveryFailure(t *testing.T) {
	ts := newTestSession(t)
	ts.shell.fail(errBoom)

	_, err := ts.Contexts(context.Background())
	require.ErrorIs(t, err, errBoom)
}

func TestContextsWithDeviceSocketSkipsPackageLookup(t *testing.T) {
	ts := newTestSession(t, func(o *Options) { o.DeviceSocket = "chrome_devtools_remote" })

	got, err := ts.Contexts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{domain.NativeContextName, domain.ChromiumContext}, domain.ContextNames(got))
	assert.False(t, ts.shell.called("ps"))
}

func TestContextsExampleDevice(t *testing.T) {
	ts := newTestSession(t)
	ts.shell.set("cat /proc/net/unix", "00000000: 00000002 00000000 00010000 0001 01 12345 @webview_devtools_remote_4296\n")
	ts.shell.set("ps", "USER     PID   PPID  VSIZE  RSS     WCHAN    PC         NAME\nu0_a136   4296  179   946000 48144 ffffffff 4005903e R com.example.test\n")

	got, err := ts.Contexts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{domain.NativeContextName, "WEBVIEW_com.example.test"}, domain.ContextNames(got))
}

func TestSetContextSequence(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	contexts, err := ts.Contexts(ctx)
	require.NoError(t, err)
	names := domain.ContextNames(contexts)

	sequence := []string{
		appWebview, domain.NativeContextName, otherWebview, appWebview,
		appWebview, domain.NativeContextName, domain.NativeContextName, otherWebview,
	}
	for _, name := range sequence {
		require.Contains(t, names, name)
		require.NoError(t, ts.SetContext(ctx, name), name)

		current := ts.CurrentContext()
		assert.Equal(t, name, current.Name)
		assert.Equal(t, current.Capable(), ts.ProxyActive(), "proxy enabled after switching to %s", name)
	}
	assert.Len(t, ts.factory.proxies(), 2, "one proxy per webview")
	assert.Zero(t, ts.shutdown.count())
}

func TestSetContextSameTwiceKeepsOneProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, appWebview))

	assert.Len(t, ts.factory.proxies(), 1)
	assert.Len(t, ts.Snapshot().Proxies, 1)
}

func TestSetContextReusesHealthyProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, domain.NativeContextName))
	assert.False(t, ts.ProxyActive())

	snap := ts.Snapshot()
	require.Len(t, snap.Proxies, 1, "detached proxy stays tracked")
	assert.False(t, snap.Proxies[0].Active)

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.Len(t, ts.factory.proxies(), 1)
	_, _, restarts := ts.factory.last(t).counts()
	assert.Zero(t, restarts)
	assert.True(t, ts.ProxyActive())
}

func TestSetContextRestartsUnhealthyProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, domain.NativeContextName))

	p := ts.factory.last(t)
	p.setHealthy(false)
	p.onRestart = func() {
		assert.Equal(t, appWebview, ts.Snapshot().Restarting)
		// the restart itself stops the old process
		p.crash()
	}

	require.NoError(t, ts.SetContext(ctx, appWebview))
	_, _, restarts := p.counts()
	assert.Equal(t, 1, restarts)
	assert.Len(t, ts.factory.proxies(), 1)
	assert.Empty(t, ts.Snapshot().Restarting)
	assert.Zero(t, ts.shutdown.count())
	assert.True(t, ts.ProxyActive())
}

func TestSetContextRestartFailureDropsProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, domain.NativeContextName))

	p := ts.factory.last(t)
	p.setHealthy(false)
	p.restartErr = errBoom

	err := ts.SetContext(ctx, appWebview)
	require.ErrorIs(t, err, errBoom)

	snap := ts.Snapshot()
	assert.Equal(t, domain.NativeContextName, snap.Current.Name)
	assert.Empty(t, snap.Proxies)
	assert.Empty(t, snap.Restarting)
	assert.False(t, ts.ProxyActive())
	assert.Zero(t, p.subscribers())

	require.NoError(t, ts.SetContext(ctx, appWebview))
	assert.Len(t, ts.factory.proxies(), 2, "a fresh proxy replaces the dropped one")
}

func TestSetContextStartFailureLeavesNoProxy(t *testing.T) {
	ts := newTestSession(t)
	ts.factory.configure = func(p *fakeProxy) { p.startErr = errBoom }

	err := ts.SetContext(context.Background(), appWebview)
	require.ErrorIs(t, err, errBoom)

	snap := ts.Snapshot()
	assert.Equal(t, domain.NativeContextName, snap.Current.Name)
	assert.Empty(t, snap.Proxies)
	assert.False(t, snap.ProxyEnabled)
	_, stops, _ := ts.factory.last(t).counts()
	assert.Equal(t, 1, stops, "half-started proxy is cleaned up")
}

func TestSetContextWebviewToWebviewResumesOnFailure(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))

	ts.factory.configure = func(p *fakeProxy) { p.startErr = errBoom }
	require.Error(t, ts.SetContext(ctx, otherWebview))

	assert.Equal(t, appWebview, ts.CurrentContext().Name)
	assert.True(t, ts.ProxyActive())
	active, ok := ts.Snapshot().ActiveProxy()
	require.True(t, ok)
	assert.Equal(t, appWebview, active)
}

func TestSetContextWebviewToWebview(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, otherWebview))

	active, ok := ts.Snapshot().ActiveProxy()
	require.True(t, ok)
	assert.Equal(t, otherWebview, active)
	assert.Len(t, ts.Snapshot().Proxies, 2)
}

func TestSetContextUnknown(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))

	err := ts.SetContext(ctx, "WEBVIEW_com.missing")
	require.ErrorIs(t, err, domain.ErrNoSuchContext)
	assert.Equal(t, appWebview, ts.CurrentContext().Name)
	assert.True(t, ts.ProxyActive())
}

func TestSetContextNormalization(t *testing.T) {
	t.Run("empty name is native", func(t *testing.T) {
		ts := newTestSession(t)
		ctx := context.Background()
		require.NoError(t, ts.SetContext(ctx, appWebview))

		require.NoError(t, ts.SetContext(ctx, ""))
		assert.Equal(t, domain.NativeContextName, ts.CurrentContext().Name)
		assert.False(t, ts.ProxyActive())

		require.NoError(t, ts.SetContext(ctx, ""))
		assert.Equal(t, domain.NativeContextName, ts.CurrentContext().Name)
	})

	t.Run("empty name survives discovery failure", func(t *testing.T) {
		ts := newTestSession(t)
		ctx := context.Background()
		require.NoError(t, ts.SetContext(ctx, appWebview))
		ts.shell.fail(errBoom)

		require.NoError(t, ts.SetContext(ctx, ""))
		assert.Equal(t, domain.NativeContextName, ts.CurrentContext().Name)
		require.ErrorIs(t, ts.SetContext(ctx, appWebview), errBoom)
	})

	t.Run("generic webview is the app webview", func(t *testing.T) {
		ts := newTestSession(t)
		require.NoError(t, ts.SetContext(context.Background(), domain.WebviewContext))
		assert.Equal(t, appWebview, ts.CurrentContext().Name)
	})

	t.Run("generic webview for another package", func(t *testing.T) {
		ts := newTestSession(t, func(o *Options) { o.AppPackage = "com.example.test" })
		assert.Equal(t, "WEBVIEW_com.example.test", ts.controller.Normalize(domain.WebviewContext))
		require.ErrorIs(t, ts.SetContext(context.Background(), domain.WebviewContext), domain.ErrNoSuchContext)
	})
}

func TestSetContextUnsupportedTransition(t *testing.T) {
	ts := newTestSession(t)
	ts.shell.set("cat /proc/net/unix", "")

	// A context that is neither native nor a webview cannot be entered from native.
	ts.state.mu.Lock()
	ts.state.current = domain.Context{Name: "LEGACY", Kind: domain.KindUnknown}
	ts.state.mu.Unlock()

	err := ts.SetContext(context.Background(), domain.NativeContextName)
	require.ErrorIs(t, err, domain.ErrUnsupportedContextTransition)
	assert.Equal(t, "LEGACY", ts.CurrentContext().Name)
}

func TestCapabilitiesForNewProxy(t *testing.T) {
	ts := newTestSession(t, func(o *Options) {
		o.PerformanceLogging = true
		o.ChromeOptions = map[string]any{"args": []string{"--verbose"}, "androidPackage": "com.evil"}
	})
	require.NoError(t, ts.SetContext(context.Background(), appWebview))

	caps := ts.factory.last(t).caps
	chromeOptions := caps["chromeOptions"].(map[string]any)
	assert.Equal(t, testPackage, chromeOptions["androidPackage"])
	assert.Equal(t, true, chromeOptions["androidUseRunningApp"])
	assert.Equal(t, "emulator-5554", chromeOptions["androidDeviceSerial"])
	assert.Equal(t, []string{"--verbose"}, chromeOptions["args"])
	assert.Equal(t, map[string]any{"performance": "ALL"}, caps["loggingPrefs"])
}

func TestForegroundCrashEscalatesOnce(t *testing.T) {
	ts := newTestSession(t)
	require.NoError(t, ts.SetContext(context.Background(), appWebview))

	ts.factory.last(t).crash()

	require.Equal(t, 1, ts.shutdown.count())
	ts.shutdown.mu.Lock()
	assert.ErrorIs(t, ts.shutdown.errs[0], domain.ErrProxyStopped)
	ts.shutdown.mu.Unlock()
}

func TestBackgroundCrashDropsProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, otherWebview))

	first := ts.factory.proxies()[0]
	first.crash()

	assert.Zero(t, ts.shutdown.count())
	snap := ts.Snapshot()
	require.Len(t, snap.Proxies, 1)
	assert.Equal(t, otherWebview, snap.Proxies[0].Context)
	assert.Zero(t, first.subscribers())

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.Len(t, ts.factory.proxies(), 3)
	assert.NotSame(t, first, ts.factory.last(t))
}

func TestCrashWhileRestartingIsIgnored(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, domain.NativeContextName))

	p := ts.factory.last(t)
	p.setHealthy(false)
	var during Snapshot
	p.onRestart = func() {
		p.crash()
		during = ts.Snapshot()
	}

	require.NoError(t, ts.SetContext(ctx, appWebview))
	assert.Zero(t, ts.shutdown.count())
	require.Len(t, during.Proxies, 1, "table untouched by the crash")
	assert.Equal(t, appWebview, during.Proxies[0].Context)
}

func TestCrashDuringHealthCheckStartsFreshProxy(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, domain.NativeContextName))

	first := ts.factory.last(t)
	first.onCheck = func() {
		first.setHealthy(false)
		first.crash()
	}

	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.Len(t, ts.factory.proxies(), 2)
	_, stops, _ := first.counts()
	assert.Equal(t, 1, stops, "dropped proxy is stopped, not orphaned")
	assert.Zero(t, first.subscribers())

	snap := ts.Snapshot()
	require.Len(t, snap.Proxies, 1)
	assert.Equal(t, appWebview, snap.Proxies[0].Context)
	assert.True(t, ts.ProxyActive())
	assert.Zero(t, ts.shutdown.count())

	second := ts.factory.last(t)
	ts.Close(ctx)
	_, stops, _ = second.counts()
	assert.Equal(t, 1, stops)
}

func TestAttachWhileActiveFailsFast(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	before := ts.Snapshot()

	err := ts.supervisor.Attach(ctx, domain.WebviewForPackage("com.other.app"))
	require.ErrorIs(t, err, domain.ErrProxyAlreadyActive)

	after := ts.Snapshot()
	assert.Equal(t, before.Current, after.Current)
	assert.Equal(t, before.Proxies, after.Proxies)
	active, ok := after.ActiveProxy()
	require.True(t, ok)
	assert.Equal(t, appWebview, active)
	assert.Len(t, ts.factory.proxies(), 1, "no proxy started")
}

func TestProxyRequest(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	rr := httptest.NewRecorder()
	err := ts.ProxyRequest(rr, httptest.NewRequest(http.MethodGet, "/wd/hub/session/s/title", nil))
	require.ErrorIs(t, err, domain.ErrProxyNotActive)

	require.NoError(t, ts.SetContext(ctx, appWebview))
	rr = httptest.NewRecorder()
	require.NoError(t, ts.ProxyRequest(rr, httptest.NewRequest(http.MethodGet, "/wd/hub/session/s/title", nil)))
	assert.Equal(t, appWebview, rr.Body.String())
}

func TestCloseStopsEverything(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, ts.SetContext(ctx, appWebview))
	require.NoError(t, ts.SetContext(ctx, otherWebview))

	proxies := ts.factory.proxies()
	proxies[0].stopErr = errBoom

	ts.Close(ctx)

	for _, p := range proxies {
		_, stops, _ := p.counts()
		assert.Equal(t, 1, stops, "every proxy stopped even after a failure")
		assert.Zero(t, p.subscribers())
		p.crash()
	}
	assert.Zero(t, ts.shutdown.count(), "stopped proxies no longer notify")

	snap := ts.Snapshot()
	assert.Equal(t, domain.NativeContextName, snap.Current.Name)
	assert.Empty(t, snap.Proxies)
	assert.False(t, snap.ProxyEnabled)
}
