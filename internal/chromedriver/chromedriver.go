package chromedriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	DefaultExecutable   = "chromedriver"
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 9515
	DefaultAdbPort      = 5037
	DefaultStartTimeout = 30 * time.Second

	statusInterval = 100 * time.Millisecond
)

// Options configure the chromedriver process.
type Options struct {
	Executable   string
	Host         string
	Port         int
	AdbPort      int
	Args         []string
	StartTimeout time.Duration
	Logger       *zap.Logger
	Clock        clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Executable == "" {
		o.Executable = DefaultExecutable
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.AdbPort == 0 {
		o.AdbPort = DefaultAdbPort
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Chromedriver supervises one chromedriver process and the WebDriver session
// it holds against a webview.
type Chromedriver struct {
	opts    Options
	baseURL *url.URL
	client  *resty.Client
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	exited    chan struct{}
	sessionID string
	caps      Capabilities
	subs      map[int]func(State)
	nextSub   int
}

// New creates a stopped chromedriver.
func New(opts Options) *Chromedriver {
	opts = opts.withDefaults()
	base := &url.URL{Scheme: "http", Host: opts.Host + ":" + strconv.Itoa(opts.Port)}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(base.String()).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "wvctx")
	client.SetTransport(retryClient.HTTPClient.Transport)

	return &Chromedriver{
		opts:    opts,
		baseURL: base,
		client:  client,
		logger:  opts.Logger.With(zap.Int("chromedriver_port", opts.Port)),
		state:   StateStopped,
		subs:    make(map[int]func(State)),
	}
}

// State returns the current lifecycle state.
func (c *Chromedriver) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the WebDriver session held by chromedriver, if any.
func (c *Chromedriver) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// PID returns the process id of the running chromedriver, or 0.
func (c *Chromedriver) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Subscribe registers fn for every state change. Listeners run on the
// goroutine that changed the state and must not block.
func (c *Chromedriver) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Start launches chromedriver, waits until it answers /status and creates a
// session with caps.
func (c *Chromedriver) Start(ctx context.Context, caps Capabilities) error {
	c.mu.Lock()
	if c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("chromedriver cannot start while %s", state)
	}
	c.caps = caps
	c.mu.Unlock()
	c.changeState(StateStarting)

	exited, err := c.spawn()
	if err != nil {
		c.changeState(StateStopped)
		return err
	}
	if err := c.waitForOnline(ctx, exited); err != nil {
		c.abortStart()
		return err
	}
	sessionID, err := c.createSession(ctx, caps)
	if err != nil {
		c.abortStart()
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	c.logger.Debug("chromedriver session created", zap.String("session_id", sessionID))
	c.changeState(StateOnline)
	return nil
}

// Stop ends the WebDriver session and terminates the process. Stopping a
// stopped chromedriver is a no-op.
func (c *Chromedriver) Stop(ctx context.Context) error {
	if c.State() == StateStopped {
		return nil
	}
	c.changeState(StateStopping)
	return c.shutdown(ctx)
}

// Restart stops chromedriver and starts it again with the capabilities of
// the last Start.
func (c *Chromedriver) Restart(ctx context.Context) error {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()
	if caps == nil {
		return errors.New("chromedriver was never started")
	}

	c.logger.Debug("restarting chromedriver")
	c.changeState(StateRestarting)
	if err := c.shutdown(ctx); err != nil {
		c.logger.Warn("error stopping chromedriver during restart", zap.Error(err))
	}
	return c.Start(ctx, caps)
}

// HasWorkingWebview reports whether the session is still attached to a
// window, by asking for the current url.
func (c *Chromedriver) HasWorkingWebview(ctx context.Context) bool {
	id := c.SessionID()
	if id == "" {
		return false
	}
	var res wireResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&res).
		SetError(&res).
		Get("/session/" + id + "/url")
	if err != nil {
		c.logger.Debug("webview check failed", zap.Error(err))
		return false
	}
	return !resp.IsError() && res.Status == 0
}

// ProxyRequest forwards a WebDriver command to chromedriver, rewriting the
// session id in the path to the one chromedriver issued.
func (c *Chromedriver) ProxyRequest(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	id, state := c.sessionID, c.state
	c.mu.Unlock()

	if state != StateOnline || id == "" {
		writeWireError(w, http.StatusInternalServerError, fmt.Sprintf("chromedriver is %s", state))
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(c.baseURL)
			pr.Out.URL.Path = RewriteSessionPath(pr.In.URL.Path, id)
			pr.Out.URL.RawPath = ""
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.logger.Warn("proxying to chromedriver failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeWireError(w, http.StatusBadGateway, err.Error())
		},
	}
	proxy.ServeHTTP(w, r)
}

// RewriteSessionPath maps /wd/hub/session/<outer>/<cmd> to /session/<id>/<cmd>.
func RewriteSessionPath(path, sessionID string) string {
	idx := strings.Index(path, "/session/")
	if idx < 0 {
		return path
	}
	rest := path[idx+len("/session/"):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return "/session/" + sessionID + rest[slash:]
	}
	return "/session/" + sessionID
}

func (c *Chromedriver) spawn() (chan struct{}, error) {
	args := append([]string{
		"--port=" + strconv.Itoa(c.opts.Port),
		"--adb-port=" + strconv.Itoa(c.opts.AdbPort),
	}, c.opts.Args...)

	cmd := exec.Command(c.opts.Executable, args...)
	out := &logWriter{logger: c.logger}
	cmd.Stdout = out
	cmd.Stderr = out

	c.logger.Debug("spawning chromedriver", zap.String("executable", c.opts.Executable), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start chromedriver: %w", err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.exited = exited
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(exited)
		c.onExit(cmd, err)
	}()
	return exited, nil
}

func (c *Chromedriver) waitForOnline(ctx context.Context, exited chan struct{}) error {
	deadline := c.opts.Clock.Timer(c.opts.StartTimeout)
	defer deadline.Stop()
	ticker := c.opts.Clock.Ticker(statusInterval)
	defer ticker.Stop()

	for {
		if c.statusReady(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("chromedriver exited before it was ready")
		case <-deadline.C:
			return fmt.Errorf("chromedriver not ready after %s", c.opts.StartTimeout)
		case <-ticker.C:
		}
	}
}

func (c *Chromedriver) statusReady(ctx context.Context) bool {
	resp, err := c.client.R().SetContext(ctx).Get("/status")
	return err == nil && !resp.IsError()
}

func (c *Chromedriver) createSession(ctx context.Context, caps Capabilities) (string, error) {
	var res wireResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"desiredCapabilities": caps}).
		SetResult(&res).
		SetError(&res).
		Post("/session")
	if err != nil {
		return "", fmt.Errorf("create chromedriver session: %w", err)
	}
	if resp.IsError() || res.Status != 0 {
		return "", fmt.Errorf("create chromedriver session: %s", res.message(resp.Status()))
	}
	id := res.SessionID
	if id == "" {
		var v struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(res.Value, &v) == nil {
			id = v.SessionID
		}
	}
	if id == "" {
		return "", errors.New("create chromedriver session: no session id in response")
	}
	return id, nil
}

func (c *Chromedriver) abortStart() {
	if err := c.kill(context.Background()); err != nil {
		c.logger.Warn("error killing chromedriver after failed start", zap.Error(err))
	}
	c.changeState(StateStopped)
}

func (c *Chromedriver) shutdown(ctx context.Context) error {
	if id := c.SessionID(); id != "" {
		if _, err := c.client.R().SetContext(ctx).Delete("/session/" + id); err != nil {
			c.logger.Debug("error deleting chromedriver session", zap.Error(err))
		}
	}
	err := c.kill(ctx)
	c.changeState(StateStopped)
	return err
}

func (c *Chromedriver) kill(ctx context.Context) error {
	c.mu.Lock()
	cmd, exited := c.cmd, c.exited
	c.cmd, c.exited, c.sessionID = nil, nil, ""
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill chromedriver: %w", err)
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onExit reports a process that died while it was serving commands.
// Exits during start, stop and restart are handled by those paths.
func (c *Chromedriver) onExit(cmd *exec.Cmd, err error) {
	c.mu.Lock()
	if c.cmd != cmd || c.state != StateOnline {
		c.mu.Unlock()
		return
	}
	c.cmd, c.exited, c.sessionID = nil, nil, ""
	c.mu.Unlock()

	c.logger.Warn("chromedriver exited unexpectedly", zap.Error(err))
	c.changeState(StateStopped)
}

func (c *Chromedriver) changeState(state State) {
	c.mu.Lock()
	c.state = state
	subs := make([]subscriber, 0, len(c.subs))
	for id, fn := range c.subs {
		subs = append(subs, subscriber{id: id, fn: fn})
	}
	c.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		s.fn(state)
	}
}

// wireResponse covers both JSON wire protocol and W3C response bodies.
type wireResponse struct {
	SessionID string          `json:"sessionId"`
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
}

func (r wireResponse) message(fallback string) string {
	var v struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(r.Value, &v) == nil {
		if v.Message != "" {
			return v.Message
		}
		if v.Error != "" {
			return v.Error
		}
	}
	return fallback
}

func writeWireError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": 13,
		"value":  map[string]string{"message": message},
	})
}

// logWriter forwards chromedriver output to the debug log.
type logWriter struct {
	logger *zap.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug(line, zap.String("source", "chromedriver"))
		}
	}
	return len(p), nil
}

// FreePort asks the kernel for an unused local TCP port.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", DefaultHost+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
