package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vburojevic/wvctx/internal/cli"
	"github.com/vburojevic/wvctx/internal/config"
)

const quickStart = `wvctx - Android webview context switching over chromedriver

Quick start:
  wvctx contexts -a com.example.app        List native and webview contexts
  wvctx switch -a com.example.app WEBVIEW  Attach chromedriver to the app's webview
  wvctx watch -a com.example.app           Report webviews as they come and go
  wvctx serve -a com.example.app           WebDriver front on 127.0.0.1:4723

For help:
  wvctx --help                             All commands and flags
  wvctx schema                             JSON Schema of the NDJSON output
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Config values become flag defaults; explicit flags still win.
	vars := kong.Vars{
		"config_format": cfg.Format,
		"config_level":  cfg.Level,
	}

	ctx := kong.Parse(&c,
		kong.Name("wvctx"),
		kong.Description("wvctx: discover Android webview contexts and drive them through chromedriver"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	err = ctx.Run(globals)
	globals.Logger().Sync()
	if err != nil {
		os.Exit(1)
	}
}
