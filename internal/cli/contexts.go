package cli

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/filter"
	"github.com/vburojevic/wvctx/internal/session"
)

// ContextsCmd lists the contexts available on the device.
type ContextsCmd struct {
	DeviceFlags `embed:""`

	Pattern string   `short:"p" help:"Regex on context names to include"`
	Exclude []string `short:"x" help:"Regex on context names to exclude (repeatable)"`
	Where   []string `short:"w" help:"Field filter, e.g. kind=webview or package~example (repeatable)"`

	newProxy session.ProxyFactory
}

// Run executes the contexts command
func (c *ContextsCmd) Run(globals *Globals) error {
	pipeline, err := buildPipeline(globals, c.Pattern, c.Exclude, c.Where)
	if err != nil {
		return err
	}

	ctx := context.Background()
	dev, err := c.DeviceFlags.resolve(ctx, globals, false)
	if err != nil {
		return err
	}
	mgr, err := dev.newManager(globals, c.newProxy, nil, nil)
	if err != nil {
		return err
	}

	contexts, err := mgr.Contexts(ctx)
	if err != nil {
		return outputErrorCommon(globals, "DISCOVERY_FAILED", fmt.Sprintf("failed to list contexts: %v", err), "check that adb can reach the device")
	}
	contexts = pipeline.Apply(contexts)

	return globals.Writer().WriteContexts(domain.NewContextList(dev.serial, mgr.CurrentContext(), contexts))
}

// buildPipeline compiles the context filter flags.
func buildPipeline(globals *Globals, pattern string, excludes, where []string) (*filter.Pipeline, error) {
	var include *regexp.Regexp
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, outputErrorCommon(globals, "INVALID_PATTERN", fmt.Sprintf("invalid pattern: %v", err))
		}
		include = re
	}

	var exclude []*regexp.Regexp
	for _, x := range excludes {
		re, err := regexp.Compile(x)
		if err != nil {
			return nil, outputErrorCommon(globals, "INVALID_EXCLUDE_PATTERN", fmt.Sprintf("invalid exclude pattern %q: %v", x, err))
		}
		exclude = append(exclude, re)
	}

	var wf *filter.WhereFilter
	if len(where) > 0 {
		f, err := filter.NewWhereFilter(where)
		if err != nil {
			return nil, outputErrorCommon(globals, "INVALID_WHERE", err.Error(), "fields: name, kind, package, pid, capable")
		}
		wf = f
	}
	return filter.NewPipeline(include, exclude, wf), nil
}
