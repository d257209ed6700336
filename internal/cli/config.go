package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vburojevic/wvctx/internal/config"
	"github.com/vburojevic/wvctx/internal/output"
)

// ConfigCmd groups the configuration subcommands
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the effective configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is loaded"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample config file"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

// ConfigOutput is the NDJSON config object
type ConfigOutput struct {
	Type          string                    `json:"type"`
	SchemaVersion int                       `json:"schemaVersion"`
	Path          string                    `json:"path,omitempty"`
	Format        string                    `json:"format"`
	Level         string                    `json:"level"`
	Quiet         bool                      `json:"quiet"`
	Verbose       bool                      `json:"verbose"`
	Defaults      config.DefaultsConfig     `json:"defaults"`
	Chromedriver  config.ChromedriverConfig `json:"chromedriver"`
	Serve         config.ServeConfig        `json:"serve"`
	Watch         config.WatchConfig        `json:"watch"`
}

// Run executes the config show command
func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}
	path := config.ConfigFile()

	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(ConfigOutput{
			Type:          "config",
			SchemaVersion: output.SchemaVersion,
			Path:          path,
			Format:        cfg.Format,
			Level:         cfg.Level,
			Quiet:         cfg.Quiet,
			Verbose:       cfg.Verbose,
			Defaults:      cfg.Defaults,
			Chromedriver:  cfg.Chromedriver,
			Serve:         cfg.Serve,
			Watch:         cfg.Watch,
		})
	}

	w := globals.Stdout
	fmt.Fprintln(w, "Current Configuration:")
	if path != "" {
		fmt.Fprintf(w, "  file: %s\n", path)
	}
	fmt.Fprintf(w, "  format: %s\n", cfg.Format)
	fmt.Fprintf(w, "  level: %s\n", cfg.Level)
	fmt.Fprintf(w, "  quiet: %t\n", cfg.Quiet)
	fmt.Fprintf(w, "  verbose: %t\n", cfg.Verbose)
	fmt.Fprintln(w, "Defaults:")
	fmt.Fprintf(w, "  serial: %s\n", orNone(cfg.Defaults.Serial))
	fmt.Fprintf(w, "  app_package: %s\n", orNone(cfg.Defaults.AppPackage))
	fmt.Fprintf(w, "  device_socket: %s\n", orNone(cfg.Defaults.DeviceSocket))
	fmt.Fprintf(w, "  adb_path: %s\n", cfg.Defaults.AdbPath)
	fmt.Fprintln(w, "Chromedriver:")
	fmt.Fprintf(w, "  executable: %s\n", cfg.Chromedriver.Executable)
	if cfg.Chromedriver.Port == 0 {
		fmt.Fprintln(w, "  port: free port per webview")
	} else {
		fmt.Fprintf(w, "  port: %d\n", cfg.Chromedriver.Port)
	}
	fmt.Fprintf(w, "  adb_port: %d\n", cfg.Chromedriver.AdbPort)
	fmt.Fprintf(w, "  start_timeout: %s\n", cfg.Chromedriver.StartTimeout)
	fmt.Fprintf(w, "  performance_logging: %t\n", cfg.Chromedriver.PerformanceLogging)
	keys := make([]string, 0, len(cfg.Chromedriver.ChromeOptions))
	for k := range cfg.Chromedriver.ChromeOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  chrome_options.%s: %v\n", k, cfg.Chromedriver.ChromeOptions[k])
	}
	fmt.Fprintln(w, "Serve:")
	fmt.Fprintf(w, "  addr: %s\n", cfg.Serve.Addr)
	fmt.Fprintln(w, "Watch:")
	fmt.Fprintf(w, "  interval: %s\n", cfg.Watch.Interval)
	fmt.Fprintf(w, "  heartbeat: %s\n", orNone(cfg.Watch.Heartbeat))
	fmt.Fprintf(w, "  cooldown: %s\n", cfg.Watch.Cooldown)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// ConfigPathCmd prints the loaded config file path
type ConfigPathCmd struct{}

// Run executes the config path command
func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()
	if globals.Format == "ndjson" {
		return json.NewEncoder(globals.Stdout).Encode(map[string]any{
			"type":          "config_path",
			"schemaVersion": output.SchemaVersion,
			"path":          path,
			"found":         path != "",
		})
	}
	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found")
		fmt.Fprintln(globals.Stdout, "Searched: ./.wvctx.yaml, ./.wvctxrc, ~/.wvctx.yaml, ~/.config/wvctx/wvctx.yaml, /etc/wvctx/wvctx.yaml")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return nil
}

// ConfigGenerateCmd prints a sample config file
type ConfigGenerateCmd struct{}

const configHeader = `# wvctx configuration file
# Place at ./.wvctx.yaml, ~/.wvctx.yaml or ~/.config/wvctx/wvctx.yaml.
# Every key can be overridden with a WVCTX_ environment variable,
# e.g. WVCTX_DEFAULTS_APP_PACKAGE or the short WVCTX_APP_PACKAGE.

`

// Run executes the config generate command
func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	data, err := config.Generate(config.Default())
	if err != nil {
		return outputErrorCommon(globals, "CONFIG_GENERATE_FAILED", err.Error())
	}
	fmt.Fprint(globals.Stdout, configHeader)
	_, err = globals.Stdout.Write(data)
	return err
}
