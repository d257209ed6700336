package webview

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/domain"
)

// Shell runs a command on the device and returns its text output.
type Shell interface {
	Shell(ctx context.Context, cmd string, args ...string) (string, error)
}

var (
	devtoolsSocketRe = regexp.MustCompile(`@?webview_devtools_remote_(\d+)`)
	trailingPIDRe    = regexp.MustCompile(`\d+$`)
	lineSplitRe      = regexp.MustCompile(`\r?\n`)
)

// Inspector turns device process and socket listings into webview contexts.
type Inspector struct {
	shell  Shell
	logger *zap.Logger
}

// NewInspector creates an inspector that talks to the device through shell.
func NewInspector(shell Shell, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{shell: shell, logger: logger}
}

// Webviews lists the webview contexts currently open on the device.
//
// With a device socket filter only sockets ending in that name are reported,
// as-is, without mapping them to packages. Without a filter every devtools
// socket is mapped to the package that owns its process.
func (i *Inspector) Webviews(ctx context.Context, deviceSocket string) ([]domain.Context, error) {
	i.logger.Debug("getting a list of available webviews")
	out, err := i.shell.Shell(ctx, "cat", "/proc/net/unix")
	if err != nil {
		return nil, err
	}
	webviews := ParseUnixSockets(out, deviceSocket)
	if deviceSocket != "" {
		return webviews, nil
	}

	resolved := make([]domain.Context, 0, len(webviews))
	for _, wv := range webviews {
		pkg, err := i.processName(ctx, wv.Name)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, domain.WebviewForPackage(pkg))
	}
	resolved = lo.UniqBy(resolved, func(c domain.Context) string { return c.Name })
	i.logger.Debug("found webviews", zap.Strings("webviews", domain.ContextNames(resolved)))
	return resolved, nil
}

// processName maps a webview like WEBVIEW_4296 to the process that owns pid 4296.
func (i *Inspector) processName(ctx context.Context, webview string) (string, error) {
	pid := trailingPIDRe.FindString(webview)
	if pid == "" {
		return "", fmt.Errorf("%w: could not find PID for webview %s", domain.ErrMalformedIdentifier, webview)
	}
	i.logger.Debug("webview mapped to pid", zap.String("webview", webview), zap.String("pid", pid))

	out, err := i.shell.Shell(ctx, "ps")
	if err != nil {
		return "", err
	}
	pkg := ProcessNameForPID(out, pid)
	i.logger.Debug("resolved process name", zap.String("pid", pid), zap.String("package", pkg))
	return pkg, nil
}

// ParseUnixSockets extracts webview contexts from the contents of /proc/net/unix.
func ParseUnixSockets(out, deviceSocket string) []domain.Context {
	var webviews []domain.Context
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		m := devtoolsSocketRe.FindStringSubmatch(line)

		if deviceSocket != "" {
			if !strings.HasSuffix(line, "@"+deviceSocket) {
				continue
			}
			if m != nil {
				webviews = append(webviews, webviewFromMatch(m[1]))
			} else {
				webviews = append(webviews, domain.ChromiumBrowserContext())
			}
			continue
		}

		if m != nil {
			webviews = append(webviews, webviewFromMatch(m[1]))
		}
	}
	return lo.UniqBy(webviews, func(c domain.Context) string { return c.Name })
}

func webviewFromMatch(id string) domain.Context {
	pid, err := strconv.Atoi(id)
	if err != nil {
		// Too many digits for an int; keep the raw socket id as the name.
		return domain.Context{Name: domain.WebviewPrefix + id, Kind: domain.KindWebview}
	}
	return domain.WebviewForPID(pid)
}

// ProcessNameForPID finds the process name for pid in `ps` output.
//
// Column positions differ between Android releases, so the PID and NAME
// columns are located from the header. Legacy ps prints an unlabeled state
// column before the name, so the value is read from the column after NAME;
// toybox ps has no such column and the last field is used instead.
func ProcessNameForPID(psOut, pid string) string {
	lines := lineSplitRe.Split(strings.TrimSpace(psOut), -1)
	if len(lines) == 0 {
		return domain.UnknownPackage
	}
	header := strings.Fields(lines[0])
	pidCol := lo.IndexOf(header, "PID")
	nameCol := lo.IndexOf(header, "NAME")
	if pidCol < 0 || nameCol < 0 {
		return domain.UnknownPackage
	}

	var partial []string
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) <= pidCol {
			continue
		}
		if fields[pidCol] == pid {
			return nameField(fields, nameCol)
		}
		if partial == nil && strings.Contains(fields[pidCol], pid) {
			partial = fields
		}
	}
	if partial != nil {
		return nameField(partial, nameCol)
	}
	return domain.UnknownPackage
}

func nameField(fields []string, nameCol int) string {
	if nameCol+1 < len(fields) {
		return fields[nameCol+1]
	}
	return fields[len(fields)-1]
}
