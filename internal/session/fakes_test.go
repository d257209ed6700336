package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/domain"
)

const testPackage = "com.example.app"

const deviceSockets = `Num       RefCount Protocol Flags    Type St Inode Path
00000000: 00000002 00000000 00010000 0001 01 1 @webview_devtools_remote_100
00000000: 00000002 00000000 00010000 0001 01 2 @webview_devtools_remote_200
00000000: 00000002 00000000 00010000 0001 01 3 @chrome_devtools_remote
`

const devicePS = `USER PID PPID VSZ RSS WCHAN ADDR S NAME
u0_a1 100 1 1 1 0 0 S com.example.app
u0_a2 200 1 1 1 0 0 S com.other.app
`

// fakeShell serves canned device output. It is safe for concurrent use.
type fakeShell struct {
	mu      sync.Mutex
	outputs map[string]string
	err     error
	calls   []string
}

func newDeviceShell() *fakeShell {
	return &fakeShell{outputs: map[string]string{
		"cat /proc/net/unix": deviceSockets,
		"ps":                 devicePS,
	}}
}

func (f *fakeShell) Shell(_ context.Context, cmd string, args ...string) (string, error) {
	key := strings.TrimSpace(cmd + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[key], nil
}

func (f *fakeShell) set(key, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[key] = out
}

func (f *fakeShell) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeShell) called(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

// fakeProxy records lifecycle calls and lets tests emit state changes.
type fakeProxy struct {
	context domain.Context

	mu         sync.Mutex
	caps       chromedriver.Capabilities
	starts     int
	stops      int
	restarts   int
	healthy    bool
	startErr   error
	restartErr error
	stopErr    error
	onRestart  func()
	onCheck    func()
	subs       map[int]func(chromedriver.State)
	nextSub    int
	served     int
}

func (p *fakeProxy) Start(_ context.Context, caps chromedriver.Capabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.caps = caps
	if p.startErr != nil {
		return p.startErr
	}
	p.healthy = true
	return nil
}

func (p *fakeProxy) Stop(context.Context) error {
	p.mu.Lock()
	p.stops++
	err := p.stopErr
	p.mu.Unlock()
	return err
}

func (p *fakeProxy) Restart(context.Context) error {
	p.mu.Lock()
	p.restarts++
	hook, err := p.onRestart, p.restartErr
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProxy) HasWorkingWebview(context.Context) bool {
	p.mu.Lock()
	hook := p.onCheck
	p.onCheck = nil
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakeProxy) ProxyRequest(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.served++
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(p.context.Name))
}

func (p *fakeProxy) Subscribe(fn func(chromedriver.State)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[int]func(chromedriver.State))
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// emit delivers st to every subscriber, like a process monitor would.
func (p *fakeProxy) emit(st chromedriver.State) {
	p.mu.Lock()
	fns := make([]func(chromedriver.State), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (p *fakeProxy) crash() { p.emit(chromedriver.StateStopped) }

func (p *fakeProxy) setHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

func (p *fakeProxy) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakeProxy) counts() (starts, stops, restarts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.restarts
}

// fakeFactory hands out fakeProxies and remembers them.
type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeProxy
	configure func(*fakeProxy)
}

func (f *fakeFactory) New(c domain.Context) Proxy {
	p := &fakeProxy{context: c}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configure != nil {
		f.configure(p)
	}
	f.created = append(f.created, p)
	return p
}

func (f *fakeFactory) proxies() []*fakeProxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProxy(nil), f.created...)
}

func (f *fakeFactory) last(t *testing.T) *fakeProxy {
	t.Helper()
	all := f.proxies()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

// shutdownRecorder counts fatal escalations.
type shutdownRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *shutdownRecorder) StartUnexpectedShutdown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *shutdownRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type testSession struct {
	*Manager
	shell    *fakeShell
	factory  *fakeFactory
	shutdown *shutdownRecorder
}

func newTestSession(t *testing.T, mutate ...func(*Options)) *testSession {
	t.Helper()
	ts := &testSession{
		shell:    newDeviceShell(),
		factory:  &fakeFactory{},
		shutdown: &shutdownRecorder{},
	}
	opts := Options{
		AppPackage:   testPackage,
		DeviceSerial: "emulator-5554",
		Shell:        ts.shell,
		NewProxy:     ts.factory.New,
		Shutdown:     ts.shutdown,
		Clock:        clock.NewMock(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	ts.Manager = NewManager(opts)
	t.Cleanup(func() { ts.Close(context.Background()) })
	return ts
}

var errBoom = errors.New("boom")
