package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/vburojevic/wvctx/internal/domain"
	"github.com/vburojevic/wvctx/internal/output"
	"github.com/vburojevic/wvctx/internal/session"
)

// WatchCmd polls the device and reports contexts as they come and go
type WatchCmd struct {
	DeviceFlags `embed:""`

	Pattern string   `short:"p" help:"Regex on context names to include"`
	Exclude []string `short:"x" help:"Regex on context names to exclude (repeatable)"`
	Where   []string `short:"w" help:"Field filter, e.g. kind=webview (repeatable)"`

	Interval       string `help:"Poll interval (default: watch.interval from config)"`
	Heartbeat      string `help:"Heartbeat interval, 0 disables (default: watch.heartbeat from config)"`
	OnChange       string `help:"Command to run when a context appears or disappears"`
	OnAdded        string `help:"Command to run when a context appears"`
	OnRemoved      string `help:"Command to run when a context disappears"`
	Cooldown       string `help:"Minimum time between runs of the same trigger (default: watch.cooldown from config)"`
	TriggerTimeout string `default:"30s" help:"Kill trigger commands after this long"`
	MaxPolls       int    `help:"Stop after this many polls (0 = until interrupted)"`

	newProxy session.ProxyFactory
	clock    clock.Clock
}

type watchTrigger struct {
	event   string // "", "context_added" or "context_removed"
	command string
	last    time.Time
}

type watchSettings struct {
	interval, heartbeat, cooldown, triggerTimeout time.Duration
}

// Run executes the watch command
func (c *WatchCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, false); err != nil {
		return err
	}
	settings, err := c.settings(globals)
	if err != nil {
		return err
	}
	pipeline, err := buildPipeline(globals, c.Pattern, c.Exclude, c.Where)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := c.DeviceFlags.resolve(ctx, globals, false)
	if err != nil {
		return err
	}
	mgr, err := dev.newManager(globals, c.newProxy, nil, nil)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())

	clk := c.clock
	if clk == nil {
		clk = clock.New()
	}
	w := globals.Writer()
	if !globals.Quiet {
		w.WriteReady("watch", dev.serial, dev.appPackage, "", "")
	}

	triggers := c.triggers()
	var wg sync.WaitGroup
	defer wg.Wait()

	start := clk.Now()
	ticker := clk.Ticker(settings.interval)
	defer ticker.Stop()
	var heartbeat <-chan time.Time
	if settings.heartbeat > 0 {
		hb := clk.Ticker(settings.heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	var known []domain.Context
	first := true
	polls := 0
	for {
		contexts, err := mgr.Contexts(ctx)
		polls++
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			globals.Logger().Sugar().Warnw("context discovery failed", "error", err, "poll", polls)
		default:
			contexts = pipeline.Apply(contexts)
			if first {
				if err := w.WriteContexts(domain.NewContextList(dev.serial, mgr.CurrentContext(), contexts)); err != nil {
					return err
				}
				first = false
			} else {
				for _, ev := range diffContexts(known, contexts) {
					w.WriteChange(ev)
					c.fire(ctx, &wg, globals, w, triggers, ev, dev.serial, clk, settings)
				}
			}
			known = contexts
		}

		if c.MaxPolls > 0 && polls >= c.MaxPolls {
			return nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat:
				w.WriteHeartbeat(&output.Heartbeat{
					Type:          "heartbeat",
					SchemaVersion: output.SchemaVersion,
					Timestamp:     clk.Now().UTC().Format(time.RFC3339),
					UptimeSeconds: int64(clk.Since(start).Seconds()),
					Polls:         polls,
					Contexts:      len(known),
				})
			case <-ticker.C:
				break wait
			}
		}
	}
}

func (c *WatchCmd) settings(globals *Globals) (watchSettings, error) {
	cfg := globals.Config.Watch
	var s watchSettings
	parse := func(flag, value string, fallback func() (time.Duration, error)) (time.Duration, error) {
		if value == "" {
			d, err := fallback()
			if err != nil {
				return 0, outputErrorCommon(globals, "INVALID_DURATION", err.Error())
			}
			return d, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, outputErrorCommon(globals, "INVALID_DURATION", fmt.Sprintf("invalid --%s %q: %v", flag, value, err))
		}
		return d, nil
	}

	var err error
	if s.interval, err = parse("interval", c.Interval, cfg.IntervalDuration); err != nil {
		return s, err
	}
	if s.interval <= 0 {
		return s, outputErrorCommon(globals, "INVALID_DURATION", "poll interval must be positive")
	}
	if s.heartbeat, err = parse("heartbeat", c.Heartbeat, cfg.HeartbeatDuration); err != nil {
		return s, err
	}
	if s.cooldown, err = parse("cooldown", c.Cooldown, cfg.CooldownDuration); err != nil {
		return s, err
	}
	if s.triggerTimeout, err = parse("trigger-timeout", c.TriggerTimeout, func() (time.Duration, error) { return 30 * time.Second, nil }); err != nil {
		return s, err
	}
	return s, nil
}

func (c *WatchCmd) triggers() []*watchTrigger {
	var out []*watchTrigger
	if c.OnChange != "" {
		out = append(out, &watchTrigger{command: c.OnChange})
	}
	if c.OnAdded != "" {
		out = append(out, &watchTrigger{event: "context_added", command: c.OnAdded})
	}
	if c.OnRemoved != "" {
		out = append(out, &watchTrigger{event: "context_removed", command: c.OnRemoved})
	}
	return out
}

// diffContexts returns removals then additions, each in discovery order.
func diffContexts(before, after []domain.Context) []*domain.ContextChange {
	byName := func(x domain.Context) string { return x.Name }
	was := lo.KeyBy(before, byName)
	is := lo.KeyBy(after, byName)

	var events []*domain.ContextChange
	for _, x := range before {
		if _, ok := is[x.Name]; !ok {
			events = append(events, domain.NewContextChange(false, x))
		}
	}
	for _, x := range after {
		if _, ok := was[x.Name]; !ok {
			events = append(events, domain.NewContextChange(true, x))
		}
	}
	return events
}

// fire runs every trigger matching ev that is out of its cooldown.
func (c *WatchCmd) fire(ctx context.Context, wg *sync.WaitGroup, globals *Globals, w output.Writer, triggers []*watchTrigger, ev *domain.ContextChange, serial string, clk clock.Clock, s watchSettings) {
	now := clk.Now()
	for _, t := range triggers {
		if t.event != "" && t.event != ev.Type {
			continue
		}
		if !t.last.IsZero() && now.Sub(t.last) < s.cooldown {
			globals.Debug("trigger %q in cooldown, skipping %s", t.command, ev.Context.Name)
			continue
		}
		t.last = now

		cmd := exec.CommandContext(ctx, "sh", "-c", t.command)
		cmd.Env = append(os.Environ(),
			"WVCTX_EVENT="+ev.Type,
			"WVCTX_CONTEXT="+ev.Context.Name,
			"WVCTX_KIND="+string(ev.Context.Kind),
			"WVCTX_PACKAGE="+ev.Context.Package,
			"WVCTX_PID="+strconv.Itoa(ev.Context.PID),
			"WVCTX_SERIAL="+serial,
			"WVCTX_TIMESTAMP="+ev.Timestamp,
		)
		command, name := t.command, ev.Context.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.WriteTrigger(runTrigger(cmd, command, name, s.triggerTimeout))
		}()
	}
}

func runTrigger(cmd *exec.Cmd, command, contextName string, timeout time.Duration) *output.TriggerResult {
	res := &output.TriggerResult{
		Type:          "trigger",
		SchemaVersion: output.SchemaVersion,
		Command:       command,
		Context:       contextName,
	}
	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Error = err.Error()
		res.Timestamp = time.Now().UTC().Format(time.RFC3339)
		return res
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		cmd.Process.Kill()
		<-done
		err = fmt.Errorf("timed out after %s", timeout)
	}

	res.Timestamp = time.Now().UTC().Format(time.RFC3339)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Error = err.Error()
	}
	return res
}
