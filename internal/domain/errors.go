package domain

import "errors"

var (
	// ErrNoSuchContext is returned when a requested context is not present on the device.
	ErrNoSuchContext = errors.New("no such context")
	// ErrUnsupportedContextTransition is returned when no switch path exists between two non-proxied contexts.
	ErrUnsupportedContextTransition = errors.New("unsupported context transition")
	// ErrMalformedIdentifier is returned when a webview identifier carries no trailing process id.
	ErrMalformedIdentifier = errors.New("malformed webview identifier")
	// ErrProxyAlreadyActive signals an attach while another proxy is still receiving commands.
	ErrProxyAlreadyActive = errors.New("chromedriver proxy already active")
	// ErrProxyNotActive is returned when a command is forwarded without an active proxy.
	ErrProxyNotActive = errors.New("no active chromedriver proxy")
	// ErrProxyStopped is returned when a proxy dies while it is being attached.
	ErrProxyStopped = errors.New("chromedriver stopped during attach")
)
