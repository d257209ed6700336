package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/wvctx/internal/chromedriver"
	"github.com/vburojevic/wvctx/internal/config"
	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/session"
)

// testGlobals creates a Globals struct with captured stdout/stderr
func testGlobals(format string) (*Globals, *bytes.Buffer, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	return &Globals{
		Format:  format,
		Level:   "error",
		Quiet:   false,
		Verbose: false,
		Stdout:  stdout,
		Stderr:  stderr,
		Config:  config.Default(),
	}, stdout, stderr
}

const stubSockets = `Num       RefCount Protocol Flags    Type St Inode Path
00000000: 00000002 00000000 00010000 0001 01 1 @webview_devtools_remote_4296
00000000: 00000002 00000000 00010000 0001 01 2 @webview_devtools_remote_5120
`

const stubPS = `USER PID PPID VSZ RSS WCHAN ADDR S NAME
u0_a1 4296 1 1 1 0 0 S com.example.app
u0_a2 5120 1 1 1 0 0 S com.other.app
`

// installStubAdb puts a fake adb on PATH serving one emulator. Each socket
// listing prints sockets, then replaces it with sockets.next when present,
// so successive polls can see the device change.
func installStubAdb(t *testing.T, sockets string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sockets"), []byte(sockets), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ps"), []byte(stubPS), 0o644))

	script := `#!/bin/sh
set -eu
DIR="` + dir + `"

if [ "$#" -ge 1 ] && [ "$1" = "devices" ]; then
  echo "List of devices attached"
  printf 'emulator-5554\tdevice\n'
  exit 0
fi

if [ "$#" -ge 3 ] && [ "$1" = "-s" ]; then
  shift 2
fi

if [ "$#" -ge 3 ] && [ "$1" = "shell" ] && [ "$2" = "cat" ] && [ "$3" = "/proc/net/unix" ]; then
  cat "$DIR/sockets"
  if [ -f "$DIR/sockets.next" ]; then
    mv "$DIR/sockets.next" "$DIR/sockets"
  fi
  exit 0
fi

if [ "$#" -ge 2 ] && [ "$1" = "shell" ] && [ "$2" = "ps" ]; then
  cat "$DIR/ps"
  exit 0
fi

echo "stub: unsupported adb args: $*" >&2
exit 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adb"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

// stubProxy stands in for chromedriver. With crashAfter set it reports a
// stop that long after the session subscribes.
type stubProxy struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	crashAfter time.Duration
}

func (p *stubProxy) Start(context.Context, chromedriver.Capabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *stubProxy) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *stubProxy) Restart(context.Context) error          { return nil }
func (p *stubProxy) HasWorkingWebview(context.Context) bool { return true }
func (p *stubProxy) ProxyRequest(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (p *stubProxy) Subscribe(fn func(chromedriver.State)) func() {
	if p.crashAfter > 0 {
		go func() {
			time.Sleep(p.crashAfter)
			fn(chromedriver.StateStopped)
		}()
	}
	return func() {}
}

func (p *stubProxy) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type stubFactory struct {
	mu         sync.Mutex
	crashAfter time.Duration
	proxies    []*stubProxy
}

func (f *stubFactory) New(domain.Context) session.Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &stubProxy{crashAfter: f.crashAfter}
	f.proxies = append(f.proxies, p)
	return p
}

// decodeLines parses NDJSON output into generic objects.
func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		lines = append(lines, m)
	}
	return lines
}

func linesOfType(lines []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, l := range lines {
		if l["type"] == typ {
			out = append(out, l)
		}
	}
	return out
}

// --- Parsing ---

func TestCLIParses(t *testing.T) {
	var c CLI
	parser, err := kong.New(&c, kong.Vars{"config_format": "ndjson", "config_level": "info"}, kong.Exit(func(int) {}))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"switch", "-s", "emulator-5554", "-a", "com.example.app", "--hold", "--for", "5s", "WEBVIEW"})
	require.NoError(t, err)
	assert.Equal(t, "WEBVIEW", c.Switch.Name)
	assert.Equal(t, "emulator-5554", c.Switch.Serial)
	assert.True(t, c.Switch.Hold)

	_, err = parser.Parse([]string{"contexts", "-w", "kind=webview", "-x", "CHROMIUM", "--device-socket", "chrome_devtools_remote"})
	require.NoError(t, err)
	assert.Equal(t, []string{"kind=webview"}, c.Contexts.Where)
	assert.Equal(t, "chrome_devtools_remote", c.Contexts.DeviceSocket)

	_, err = parser.Parse([]string{"--format", "xml", "contexts"})
	assert.Error(t, err)
}

func TestResolveFormat(t *testing.T) {
	assert.Equal(t, "text", resolveFormat("text", nil))
	assert.Equal(t, "ndjson", resolveFormat("auto", nil))
	assert.Equal(t, "ndjson", resolveFormat("", nil))
}

// --- Config Command Tests ---

func TestConfigShowCmd_Run(t *testing.T) {
	t.Run("outputs config in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "Current Configuration:")
		assert.Contains(t, output, "format:")
		assert.Contains(t, output, "Defaults:")
		assert.Contains(t, output, "port: free port per webview")
	})

	t.Run("outputs config in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		globals.Config.Chromedriver.ChromeOptions = map[string]any{"androidExecName": "chrome"}
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))

		assert.Equal(t, "config", result["type"])
		assert.Contains(t, result, "defaults")
		cd := result["chromedriver"].(map[string]interface{})
		assert.Equal(t, "chromedriver", cd["executable"])
		assert.Equal(t, "chrome", cd["chrome_options"].(map[string]interface{})["androidExecName"])
	})
}

func TestConfigPathCmd_Run(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	globals, stdout, _ := testGlobals("ndjson")
	require.NoError(t, (&ConfigPathCmd{}).Run(globals))

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, "config_path", result["type"])
	assert.Contains(t, result, "path")
}

func TestConfigGenerateCmd_Run(t *testing.T) {
	globals, stdout, _ := testGlobals("text")
	require.NoError(t, (&ConfigGenerateCmd{}).Run(globals))

	output := stdout.String()
	assert.True(t, strings.HasPrefix(output, "# wvctx configuration file"))
	assert.Contains(t, output, "format: auto")
	assert.Contains(t, output, "adb_path: adb")
	assert.Contains(t, output, "addr: 127.0.0.1:4723")
}

// --- Version ---

func TestVersionCmd_Run(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	require.NoError(t, (&VersionCmd{}).Run(globals))

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, "version", result["type"])
	assert.Equal(t, Version, result["version"])
}

// --- Contexts ---

func TestContextsCmd_WithStubAdb(t *testing.T) {
	installStubAdb(t, stubSockets)

	t.Run("lists native first then webviews by package", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		require.NoError(t, (&ContextsCmd{}).Run(globals))

		lines := decodeLines(t, stdout.String())
		require.Len(t, lines, 1)
		assert.Equal(t, "contexts", lines[0]["type"])
		assert.Equal(t, "emulator-5554", lines[0]["serial"])
		assert.Equal(t, "NATIVE_APP", lines[0]["current"])

		var names []string
		for _, c := range lines[0]["contexts"].([]any) {
			names = append(names, c.(map[string]any)["name"].(string))
		}
		assert.Equal(t, []string{"NATIVE_APP", "WEBVIEW_com.example.app", "WEBVIEW_com.other.app"}, names)
	})

	t.Run("applies where and exclude", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &ContextsCmd{Where: []string{"kind=webview"}, Exclude: []string{"other"}}
		require.NoError(t, cmd.Run(globals))

		lines := decodeLines(t, stdout.String())
		require.Len(t, lines, 1)
		contexts := lines[0]["contexts"].([]any)
		require.Len(t, contexts, 1)
		assert.Equal(t, "WEBVIEW_com.example.app", contexts[0].(map[string]any)["name"])
	})

	t.Run("renders a table in text mode", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		require.NoError(t, (&ContextsCmd{}).Run(globals))
		assert.Contains(t, stdout.String(), "WEBVIEW_com.other.app")
		assert.Contains(t, stdout.String(), "CONTEXT")
	})

	t.Run("rejects a bad pattern before touching the device", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		err := (&ContextsCmd{Pattern: "("}).Run(globals)
		require.Error(t, err)

		lines := decodeLines(t, stdout.String())
		require.Len(t, lines, 1)
		assert.Equal(t, "INVALID_PATTERN", lines[0]["code"])
	})
}

// --- Switch ---

func TestSwitchCmd_WithStubAdb(t *testing.T) {
	installStubAdb(t, stubSockets)

	t.Run("attaches and releases chromedriver", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		factory := &stubFactory{}
		cmd := &SwitchCmd{Name: "WEBVIEW", newProxy: factory.New}
		cmd.App = "com.example.app"
		require.NoError(t, cmd.Run(globals))

		lines := decodeLines(t, stdout.String())
		require.Len(t, lines, 1)
		assert.Equal(t, "context_switch", lines[0]["type"])
		assert.Equal(t, "NATIVE_APP", lines[0]["from"])
		assert.Equal(t, "WEBVIEW_com.example.app", lines[0]["to"])
		assert.Equal(t, true, lines[0]["proxy_enabled"])

		require.Len(t, factory.proxies, 1)
		assert.True(t, factory.proxies[0].isStopped(), "chromedriver is stopped when the command exits")
	})

	t.Run("unknown context", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &SwitchCmd{Name: "WEBVIEW_com.missing", newProxy: (&stubFactory{}).New}
		cmd.App = "com.example.app"
		require.Error(t, cmd.Run(globals))

		lines := decodeLines(t, stdout.String())
		require.Len(t, lines, 1)
		assert.Equal(t, "error", lines[0]["type"])
		assert.Equal(t, "NO_SUCH_CONTEXT", lines[0]["code"])
	})

	t.Run("requires an app package", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		require.Error(t, (&SwitchCmd{Name: "WEBVIEW"}).Run(globals))
		assert.Contains(t, stdout.String(), "NO_APP_PACKAGE")
	})

	t.Run("hold releases after --for", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		mock := clock.NewMock()
		cmd := &SwitchCmd{Name: "WEBVIEW", Hold: true, For: "1h", newProxy: (&stubFactory{}).New, clock: mock}
		cmd.App = "com.example.app"

		done := make(chan error, 1)
		go func() { done <- cmd.Run(globals) }()
		var err error
		require.Eventually(t, func() bool {
			mock.Add(time.Hour)
			select {
			case err = <-done:
				return true
			default:
				return false
			}
		}, 10*time.Second, 10*time.Millisecond)
		require.NoError(t, err)

		lines := decodeLines(t, stdout.String())
		require.Len(t, linesOfType(lines, "ready"), 1)
		assert.Equal(t, "WEBVIEW_com.example.app", linesOfType(lines, "ready")[0]["context"])
	})

	t.Run("hold ends when chromedriver quits", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &SwitchCmd{Name: "WEBVIEW", Hold: true, For: "10s", newProxy: (&stubFactory{crashAfter: 20 * time.Millisecond}).New}
		cmd.App = "com.example.app"
		require.Error(t, cmd.Run(globals))

		lines := decodeLines(t, stdout.String())
		stopped := linesOfType(lines, "proxy_stopped")
		require.Len(t, stopped, 1)
		assert.Equal(t, true, stopped[0]["foreground"])
		assert.Contains(t, stopped[0]["reason"], "quit unexpectedly")
		errs := linesOfType(lines, "error")
		require.Len(t, errs, 1)
		assert.Equal(t, "PROXY_STOPPED", errs[0]["code"])
	})
}

// --- Watch ---

func TestWatchCmd_WithStubAdb(t *testing.T) {
	dir := installStubAdb(t, stubSockets)
	// Second poll: com.other.app's webview is gone and a new one appeared.
	next := strings.Replace(stubSockets, "webview_devtools_remote_5120", "webview_devtools_remote_6000", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sockets.next"), []byte(next), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ps"), []byte(stubPS+"u0_a3 6000 1 1 1 0 0 S com.third.app\n"), 0o644))

	marker := filepath.Join(t.TempDir(), "triggered")
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &WatchCmd{
		Interval:       "10ms",
		OnAdded:        `echo "$WVCTX_CONTEXT" >> ` + marker,
		Cooldown:       "0s",
		TriggerTimeout: "5s",
		MaxPolls:       2,
		newProxy:       (&stubFactory{}).New,
	}
	require.NoError(t, cmd.Run(globals))

	lines := decodeLines(t, stdout.String())
	require.Len(t, linesOfType(lines, "ready"), 1)
	require.Len(t, linesOfType(lines, "contexts"), 1)

	removed := linesOfType(lines, "context_removed")
	require.Len(t, removed, 1)
	assert.Equal(t, "WEBVIEW_com.other.app", removed[0]["context"].(map[string]any)["name"])

	added := linesOfType(lines, "context_added")
	require.Len(t, added, 1)
	assert.Equal(t, "WEBVIEW_com.third.app", added[0]["context"].(map[string]any)["name"])

	triggers := linesOfType(lines, "trigger")
	require.Len(t, triggers, 1)
	assert.EqualValues(t, 0, triggers[0]["exit_code"])

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "WEBVIEW_com.third.app\n", string(data))
}

func TestWatchCmd_InvalidInterval(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	require.Error(t, (&WatchCmd{Interval: "soon"}).Run(globals))
	assert.Contains(t, stdout.String(), "INVALID_DURATION")
}

func TestDiffContexts(t *testing.T) {
	a := domain.WebviewForPackage("com.a")
	b := domain.WebviewForPackage("com.b")
	c := domain.WebviewForPackage("com.c")

	events := diffContexts([]domain.Context{domain.NativeContext(), a, b}, []domain.Context{domain.NativeContext(), b, c})
	require.Len(t, events, 2)
	assert.Equal(t, "context_removed", events[0].Type)
	assert.Equal(t, a.Name, events[0].Context.Name)
	assert.Equal(t, "context_added", events[1].Type)
	assert.Equal(t, c.Name, events[1].Context.Name)

	assert.Empty(t, diffContexts([]domain.Context{a}, []domain.Context{a}))
}

// --- Schema ---

func TestSchemaCmd_Run(t *testing.T) {
	t.Run("outputs all schemas by default", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		require.NoError(t, (&SchemaCmd{}).Run(globals))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))

		assert.Equal(t, "http://json-schema.org/draft-07/schema#", result["$schema"])
		defs := result["definitions"].(map[string]interface{})
		for _, typ := range schemaTypes {
			assert.Contains(t, defs, typ)
		}
	})

	t.Run("filters by type", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		require.NoError(t, (&SchemaCmd{Type: []string{"ready", " ERROR "}}).Run(globals))

		var result map[string]interface{}
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
		defs := result["definitions"].(map[string]interface{})
		assert.Len(t, defs, 2)
		assert.Contains(t, defs, "ready")
		assert.Contains(t, defs, "error")
	})
}
