package tui

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vburojevic/wvctx/internal/domain"
)

// Switcher is the part of a session the picker drives.
type Switcher interface {
	Contexts(ctx context.Context) ([]domain.Context, error)
	SetContext(ctx context.Context, name string) error
	CurrentContext() domain.Context
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle  = lipgloss.NewStyle().Faint(true)
)

type keyMap struct {
	Refresh key.Binding
	Switch  key.Binding
	Native  key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Switch:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "switch")),
		Native:  key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "native")),
	}
}

type item struct {
	context domain.Context
	current bool
}

func (i item) Title() string {
	if i.current {
		return currentStyle.Render("* " + i.context.Name)
	}
	return "  " + i.context.Name
}

func (i item) Description() string {
	desc := string(i.context.Kind)
	if i.context.Package != "" {
		desc += " · " + i.context.Package
	}
	if i.context.PID > 0 {
		desc += " · pid " + strconv.Itoa(i.context.PID)
	}
	return "  " + desc
}

func (i item) FilterValue() string { return i.context.Name }

type contextsMsg struct {
	contexts []domain.Context
	current  domain.Context
	err      error
}

type switchedMsg struct {
	name string
	err  error
}

// ProxyStoppedMsg reports that the chromedriver serving the current context
// quit on its own.
type ProxyStoppedMsg struct {
	Err error
}

// Model is the interactive context picker.
type Model struct {
	ctx      context.Context
	switcher Switcher
	header   string

	list    list.Model
	spinner spinner.Model
	keys    keyMap

	busy   bool
	status string
	err    error
}

// New creates a picker for the session on serial.
func New(ctx context.Context, s Switcher, appPackage, serial string) Model {
	keys := defaultKeys()
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Contexts"
	l.SetShowStatusBar(false)
	l.AdditionalShortHelpKeys = func() []key.Binding {
		return []key.Binding{keys.Switch, keys.Native, keys.Refresh}
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:      ctx,
		switcher: s,
		header:   fmt.Sprintf("%s on %s", appPackage, serial),
		list:     l,
		spinner:  sp,
		keys:     keys,
		busy:     true,
		status:   "discovering contexts",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh())
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		contexts, err := m.switcher.Contexts(m.ctx)
		return contextsMsg{contexts: contexts, current: m.switcher.CurrentContext(), err: err}
	}
}

func (m Model) switchTo(name string) tea.Cmd {
	return func() tea.Msg {
		return switchedMsg{name: name, err: m.switcher.SetContext(m.ctx, name)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-3)
		return m, nil

	case contextsMsg:
		m.busy = false
		m.err = msg.err
		if msg.err != nil {
			m.status = ""
			return m, nil
		}
		items := make([]list.Item, 0, len(msg.contexts))
		for _, c := range msg.contexts {
			items = append(items, item{context: c, current: c.Name == msg.current.Name})
		}
		m.status = fmt.Sprintf("current: %s", msg.current.Name)
		return m, m.list.SetItems(items)

	case switchedMsg:
		if msg.err != nil {
			m.busy = false
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = "switched to " + msg.name
		return m, m.refresh()

	case ProxyStoppedMsg:
		m.err = msg.Err
		m.status = "chromedriver stopped, switch to a context to continue"
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		if m.busy {
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				return m, tea.Quit
			}
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Refresh):
			m.busy, m.status = true, "discovering contexts"
			return m, m.refresh()
		case key.Matches(msg, m.keys.Native):
			m.busy, m.status = true, "switching to "+domain.NativeContextName
			return m, m.switchTo(domain.NativeContextName)
		case key.Matches(msg, m.keys.Switch):
			selected, ok := m.list.SelectedItem().(item)
			if !ok {
				return m, nil
			}
			m.busy, m.status = true, "switching to "+selected.context.Name
			return m, m.switchTo(selected.context.Name)
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	status := statusStyle.Render(m.status)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	if m.err != nil {
		status = errorStyle.Render("error: " + m.err.Error())
	}
	return titleStyle.Render(m.header) + "\n" + status + "\n" + m.list.View()
}
