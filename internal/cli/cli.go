package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/vburojevic/wvctx/internal/config"
	"github.com/vburojevic/wvctx/internal/output"
)

// Version and Commit are set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command.
type CLI struct {
	Format  string `short:"f" enum:"auto,ndjson,text" default:"${config_format}" help:"Output format (auto picks text on a terminal, ndjson otherwise)"`
	Level   string `short:"l" enum:"debug,info,warn,error" default:"${config_level}" help:"Log level used with --verbose off"`
	Quiet   bool   `short:"q" help:"Suppress ready and progress lines"`
	Verbose bool   `short:"v" help:"Debug logging to stderr"`

	Contexts ContextsCmd `cmd:"" help:"List the contexts available on the device"`
	Switch   SwitchCmd   `cmd:"" help:"Switch to a context, attaching chromedriver for webviews"`
	Watch    WatchCmd    `cmd:"" help:"Poll the device and report contexts appearing and disappearing"`
	Serve    ServeCmd    `cmd:"" help:"Serve context commands over the WebDriver wire protocol"`
	UI       UICmd       `cmd:"" name:"ui" help:"Pick contexts interactively"`
	Config   ConfigCmd   `cmd:"" help:"Show or generate configuration"`
	Schema   SchemaCmd   `cmd:"" help:"Print JSON Schema for NDJSON output"`
	Version  VersionCmd  `cmd:"" help:"Show version"`
}

// Globals carries global flags and shared state to every command.
type Globals struct {
	Format  string
	Level   string
	Quiet   bool
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
	Config  *config.Config

	logger *zap.Logger
}

// NewGlobalsWithConfig builds Globals from parsed flags, falling back to cfg.
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	g := &Globals{
		Format:  c.Format,
		Level:   c.Level,
		Quiet:   c.Quiet || cfg.Quiet,
		Verbose: c.Verbose || cfg.Verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Config:  cfg,
	}
	g.Format = resolveFormat(g.Format, os.Stdout)
	return g
}

// resolveFormat turns "auto" into text on a terminal and ndjson otherwise.
func resolveFormat(format string, out *os.File) string {
	if format != "" && format != "auto" {
		return format
	}
	if out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) {
		return "text"
	}
	return "ndjson"
}

// Writer returns the event writer for the selected format.
func (g *Globals) Writer() output.Writer {
	return output.New(g.Format, g.Stdout)
}

// VersionCmd shows version information
type VersionCmd struct{}

// VersionOutput is the NDJSON version object
type VersionOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
}

// Run executes the version command
func (c *VersionCmd) Run(globals *Globals) error {
	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(VersionOutput{
			Type:          "version",
			SchemaVersion: output.SchemaVersion,
			Version:       Version,
			Commit:        Commit,
		})
	}
	fmt.Fprintf(globals.Stdout, "wvctx version %s (%s)\n", Version, Commit)
	return nil
}
