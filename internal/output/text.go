package output

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/wvctx/internal/domain"
)

var (
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// TextWriter renders events for humans.
type TextWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextWriter creates a writer on w.
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: w}
}

// WriteContexts renders the context list as a table, marking the current one.
func (t *TextWriter) WriteContexts(list *domain.ContextList) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := tablewriter.NewWriter(t.w)
	table.Header("", "CONTEXT", "KIND", "PACKAGE", "PID")
	for _, c := range list.Contexts {
		marker := ""
		name := c.Name
		if c.Name == list.Current {
			marker = "*"
			name = currentStyle.Render(c.Name)
		}
		pid := ""
		if c.PID > 0 {
			pid = strconv.Itoa(c.PID)
		}
		if err := table.Append([]string{marker, name, string(c.Kind), c.Package, pid}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (t *TextWriter) WriteSwitch(ev *domain.ContextSwitch) error {
	proxy := "native"
	if ev.ProxyEnabled {
		proxy = "chromedriver"
	}
	return t.printf("%s -> %s %s\n", ev.From, currentStyle.Render(ev.To),
		dimStyle.Render(fmt.Sprintf("(%s, %d proxies)", proxy, ev.Proxies)))
}

func (t *TextWriter) WriteChange(ev *domain.ContextChange) error {
	if ev.Type == "context_added" {
		return t.printf("%s %s\n", addedStyle.Render("+"), ev.Context.Name)
	}
	return t.printf("%s %s\n", removedStyle.Render("-"), ev.Context.Name)
}

func (t *TextWriter) WriteProxyStopped(ev *domain.ProxyStopped) error {
	return t.printf("%s chromedriver for %s stopped: %s\n", warnStyle.Render("!"), ev.Context, ev.Reason)
}

func (t *TextWriter) WriteHeartbeat(hb *Heartbeat) error {
	return t.printf("%s\n", dimStyle.Render(fmt.Sprintf("watching: %d contexts after %d polls (%ds)", hb.Contexts, hb.Polls, hb.UptimeSeconds)))
}

func (t *TextWriter) WriteTrigger(tr *TriggerResult) error {
	if tr.Error != "" {
		return t.printf("%s trigger %q for %s failed: %s\n", warnStyle.Render("!"), tr.Command, tr.Context, tr.Error)
	}
	return t.printf("%s\n", dimStyle.Render(fmt.Sprintf("trigger %q for %s exited %d", tr.Command, tr.Context, tr.ExitCode)))
}

func (t *TextWriter) WriteReady(mode, serial, appPackage, addr, context string) error {
	switch {
	case addr != "":
		return t.printf("%s on %s (device %s, app %s)\n", mode, addr, serial, appPackage)
	case context != "":
		return t.printf("%s in %s (device %s), press Ctrl+C to release\n", mode, context, serial)
	default:
		return t.printf("%s device %s\n", mode, serial)
	}
}

func (t *TextWriter) printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, format, args...)
	return err
}

// Writer is implemented by both output formats.
type Writer interface {
	WriteContexts(*domain.ContextList) error
	WriteSwitch(*domain.ContextSwitch) error
	WriteChange(*domain.ContextChange) error
	WriteProxyStopped(*domain.ProxyStopped) error
	WriteHeartbeat(*Heartbeat) error
	WriteTrigger(*TriggerResult) error
	WriteReady(mode, serial, appPackage, addr, context string) error
}

// New returns the writer for format ("ndjson" or "text").
func New(format string, w io.Writer) Writer {
	if format == "ndjson" {
		return NewNDJSONWriter(w)
	}
	return NewTextWriter(w)
}
