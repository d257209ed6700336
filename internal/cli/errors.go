package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/wvctx/internal/adb"
	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/output"
)

// outputErrorCommon reports an error in the selected format and returns it
// so Run can hand it back to kong.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return errors.New(message)
}

// outputSessionError reports a session error with a code derived from its kind.
func outputSessionError(globals *Globals, err error) error {
	code, hint := errorCode(err)
	return outputErrorCommon(globals, code, err.Error(), hint)
}

func errorCode(err error) (code, hint string) {
	switch {
	case errors.Is(err, domain.ErrNoSuchContext):
		return "NO_SUCH_CONTEXT", "run 'wvctx contexts' to see what the device exposes"
	case errors.Is(err, domain.ErrUnsupportedContextTransition):
		return "UNSUPPORTED_TRANSITION", ""
	case errors.Is(err, domain.ErrProxyStopped):
		return "PROXY_STOPPED", "check that the app is still running and its webview is debuggable"
	case errors.Is(err, domain.ErrProxyNotActive):
		return "PROXY_NOT_ACTIVE", "switch to a webview context first"
	case errors.Is(err, adb.ErrNoDevice):
		return "DEVICE_NOT_FOUND", "connect a device or pass --serial"
	default:
		return "SESSION_ERROR", ""
	}
}
