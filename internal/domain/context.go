package domain

import (
	"strconv"
	"strings"
)

// Well-known context names.
const (
	NativeContextName = "NATIVE_APP"
	WebviewContext    = "WEBVIEW"
	WebviewPrefix     = WebviewContext + "_"
	ChromiumContext   = "CHROMIUM"

	// UnknownPackage is reported when a webview PID cannot be mapped to a process name.
	UnknownPackage = "unknown"
)

// ContextKind classifies a context once, at discovery time.
type ContextKind string

const (
	KindNative   ContextKind = "native"
	KindWebview  ContextKind = "webview"
	KindChromium ContextKind = "chromium"
	KindUnknown  ContextKind = "unknown"
)

// Context is an addressable automation target: the native UI or one web view.
// Two contexts are the same context when their names are equal.
type Context struct {
	Name    string      `json:"name"`
	Kind    ContextKind `json:"kind"`
	Package string      `json:"package,omitempty"`
	PID     int         `json:"pid,omitempty"`
}

// NativeContext returns the native UI context.
func NativeContext() Context {
	return Context{Name: NativeContextName, Kind: KindNative}
}

// ChromiumBrowserContext returns the generic browser context reported for
// device sockets without a numeric id.
func ChromiumBrowserContext() Context {
	return Context{Name: ChromiumContext, Kind: KindChromium}
}

// WebviewForPID returns the device-level webview context for a process id.
func WebviewForPID(pid int) Context {
	return Context{Name: WebviewPrefix + strconv.Itoa(pid), Kind: KindWebview, PID: pid}
}

// WebviewForPackage returns the webview context scoped to an application package.
func WebviewForPackage(pkg string) Context {
	return Context{Name: WebviewPrefix + pkg, Kind: KindWebview, Package: pkg}
}

// Capable reports whether commands for this context are forwarded to a
// chromedriver proxy instead of being handled natively.
func (c Context) Capable() bool {
	return c.Kind == KindWebview || c.Kind == KindChromium
}

// IsZero reports whether c is the empty context.
func (c Context) IsZero() bool {
	return c.Name == ""
}

func (c Context) String() string {
	return c.Name
}

// ParseContext classifies a raw context name. Discovery builds contexts
// directly; this is used for names coming from outside (CLI args, HTTP bodies).
func ParseContext(name string) Context {
	switch {
	case name == NativeContextName:
		return NativeContext()
	case name == ChromiumContext:
		return ChromiumBrowserContext()
	case strings.HasPrefix(name, WebviewPrefix):
		rest := strings.TrimPrefix(name, WebviewPrefix)
		if pid, err := strconv.Atoi(rest); err == nil && pid > 0 {
			return WebviewForPID(pid)
		}
		return WebviewForPackage(rest)
	default:
		return Context{Name: name, Kind: KindUnknown}
	}
}

// ContextNames returns the names of contexts in order.
func ContextNames(contexts []Context) []string {
	names := make([]string, 0, len(contexts))
	for _, c := range contexts {
		names = append(names, c.Name)
	}
	return names
}
