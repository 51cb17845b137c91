// Command meltforge is the CLI for the meltforge conversion engine. It
// provides commands for converting files through installed plugins,
// running batches, managing the persistent queue and inspecting the
// plugin registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/meltforge/meltforge/internal"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/internal/plugin"
	"github.com/meltforge/meltforge/pkg/logger"
)

const version = "0.1.0"

// Exit codes, stable for scripting: input problems, unservable formats,
// failed conversions and engine I/O each get their own code.
const (
	exitOK         = 0
	exitUsage      = 1
	exitInput      = 2
	exitFormat     = 3
	exitConversion = 4
	exitIO         = 5
)

var CLI struct {
	Config  string `name:"config" short:"c" help:"Path to the YAML configuration file" type:"path"`
	Verbose bool   `name:"verbose" short:"v" help:"Enable verbose logging"`
	Quiet   bool   `name:"quiet" short:"q" help:"Only log errors"`

	Convert ConvertCmd `cmd:"" help:"Convert a single file"`
	Batch   BatchCmd   `cmd:"" help:"Convert multiple files with bounded parallelism"`
	Queue   QueueGroup `cmd:"" help:"Persistent conversion queue operations"`
	Plugins PluginsCmd `cmd:"" help:"Plugin registry operations"`
	Formats FormatsCmd `cmd:"" help:"List the currently servable format pairs"`
	Run     RunCmd     `cmd:"" help:"Run the engine with queue workers and the plugin watcher"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

type QueueGroup struct {
	Add    QueueAddCmd    `cmd:"" help:"Add a conversion to the persistent queue"`
	List   QueueListCmd   `cmd:"" help:"List queue items"`
	Cancel QueueCancelCmd `cmd:"" help:"Cancel a queue item"`
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// classifyDispatch maps a dispatch failure on to the CLI's exit codes.
func classifyDispatch(err error) error {
	switch {
	case errors.Is(err, format.ErrUnknownKind):
		return exitWith(exitFormat, err)
	case errors.Is(err, format.ErrNoPluginForFormat):
		return exitWith(exitFormat, err)
	case errors.Is(err, plugin.ErrCapabilityNotGranted):
		return exitWith(exitFormat, err)
	default:
		// Covers output-path refusals (existing file, unwritable
		// directory) and engine failures alike.
		return exitWith(exitIO, err)
	}
}

func buildEngine() (internal.Engine, error) {
	config := internal.MeltforgeConfig{}
	if CLI.Config != "" {
		if err := config.LoadFromFile(CLI.Config); err != nil {
			return nil, exitWith(exitIO, err)
		}
	} else if err := config.LoadFromEnvironment(); err != nil {
		return nil, exitWith(exitIO, err)
	}

	engine, err := internal.New(config)
	if err != nil {
		return nil, exitWith(exitIO, err)
	}
	return engine, nil
}

// bootstrapEngine builds the engine and performs the plugin scan,
// reporting (but not failing on) per-plugin load failures.
func bootstrapEngine(ctx context.Context) (internal.Engine, error) {
	engine, err := buildEngine()
	if err != nil {
		return nil, err
	}

	failures, err := engine.Bootstrap(ctx)
	if err != nil {
		return nil, exitWith(exitIO, err)
	}
	for _, failure := range failures {
		fmt.Fprintf(os.Stderr, "warning: skipped plugin %q: %v\n", failure.Candidate.Name, failure.Err)
	}

	return engine, nil
}

func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return exitWith(exitInput, fmt.Errorf("cannot read input %s: %w", path, err))
	}
	if info.IsDir() {
		return exitWith(exitInput, fmt.Errorf("input %s is a directory", path))
	}
	return nil
}

func parseTarget(raw string) (format.Kind, error) {
	target, err := format.ParseKind(raw)
	if err != nil {
		return "", exitWith(exitFormat, err)
	}
	return target, nil
}

func reportOutcome(outcome job.Outcome) error {
	switch outcome.Status {
	case job.Succeeded:
		fmt.Printf("%s → %s (plugin %s)\n", outcome.Source, outcome.OutputPath, outcome.Plugin)
		return nil
	case job.Cancelled:
		return exitWith(exitConversion, fmt.Errorf("conversion of %s was cancelled", outcome.Source))
	default:
		return exitWith(exitConversion, fmt.Errorf("conversion of %s failed (%s): %s", outcome.Source, outcome.ErrKind, outcome.Message))
	}
}

type ConvertCmd struct {
	Source string `arg:"" help:"Path of the file to convert"`
	To     string `name:"to" short:"t" required:"" help:"Target format (kind name or extension)"`
	Output string `name:"output" short:"o" help:"Output path (defaults to the source path with the target extension)" type:"path"`
	Plugin string `name:"plugin" help:"Prefer the named plugin when several serve the format pair"`
}

func (c *ConvertCmd) Run(ctx context.Context) error {
	if err := checkSource(c.Source); err != nil {
		return err
	}
	target, err := parseTarget(c.To)
	if err != nil {
		return err
	}

	engine, err := bootstrapEngine(ctx)
	if err != nil {
		return err
	}

	options := map[string]any{}
	if c.Plugin != "" {
		options["plugin"] = c.Plugin
	}

	outcome, err := engine.Convert(ctx, c.Source, target, c.Output, options)
	if err != nil {
		return classifyDispatch(err)
	}

	return reportOutcome(outcome)
}

type BatchCmd struct {
	Sources     []string `arg:"" help:"Paths of the files to convert"`
	To          string   `name:"to" short:"t" required:"" help:"Target format (kind name or extension)"`
	Plugin      string   `name:"plugin" help:"Prefer the named plugin when several serve the format pair"`
	Concurrency int      `name:"concurrency" short:"j" help:"Maximum conversions running at once"`
}

func (c *BatchCmd) Run(ctx context.Context) error {
	for _, source := range c.Sources {
		if err := checkSource(source); err != nil {
			return err
		}
	}
	target, err := parseTarget(c.To)
	if err != nil {
		return err
	}

	engine, err := bootstrapEngine(ctx)
	if err != nil {
		return err
	}

	options := map[string]any{}
	if c.Plugin != "" {
		options["plugin"] = c.Plugin
	}

	outcomes := engine.ConvertBatch(ctx, c.Sources, target, options)

	failed := 0
	for _, outcome := range outcomes {
		switch outcome.Status {
		case job.Succeeded:
			fmt.Printf("ok    %s → %s (plugin %s)\n", outcome.Source, outcome.OutputPath, outcome.Plugin)
		case job.Cancelled:
			failed++
			fmt.Printf("stop  %s cancelled\n", outcome.Source)
		case job.Failed:
			failed++
			fmt.Printf("fail  %s (%s): %s\n", outcome.Source, outcome.ErrKind, outcome.Message)
		default:
			failed++
			fmt.Printf("skip  %s: could not be dispatched\n", outcome.Source)
		}
	}

	if failed > 0 {
		return exitWith(exitConversion, fmt.Errorf("%d of %d conversions did not succeed", failed, len(outcomes)))
	}
	return nil
}

type PluginsCmd struct {
	Dir string `name:"dir" help:"Override the plugin directory" type:"path"`
}

func (c *PluginsCmd) Run(ctx context.Context) error {
	if c.Dir != "" {
		os.Setenv("PLUGIN_DIR", c.Dir)
	}

	engine, err := bootstrapEngine(ctx)
	if err != nil {
		return err
	}

	plugins := engine.Plugins()
	if len(plugins) == 0 {
		fmt.Println("No plugins loaded")
		return nil
	}

	for _, p := range plugins {
		pairs := make([]string, 0, len(p.Manifest.Formats))
		for _, pair := range p.Manifest.Pairs() {
			pairs = append(pairs, pair.String())
		}
		fmt.Printf("%s v%s [%s] %s\n", p.Manifest.Name, p.Manifest.Version, strings.Join(p.Manifest.CapabilityNames(), ","), strings.Join(pairs, " "))
	}
	return nil
}

type FormatsCmd struct{}

func (c *FormatsCmd) Run(ctx context.Context) error {
	engine, err := bootstrapEngine(ctx)
	if err != nil {
		return err
	}

	pairs := engine.FormatPairs()
	if len(pairs) == 0 {
		fmt.Println("No format pairs servable (no plugins loaded)")
		return nil
	}

	for _, pair := range pairs {
		fmt.Println(pair)
	}
	return nil
}

type QueueAddCmd struct {
	Source string `arg:"" help:"Path of the file to convert"`
	To     string `name:"to" short:"t" required:"" help:"Target format (kind name or extension)"`
	Output string `name:"output" short:"o" help:"Output path" type:"path"`
}

func (c *QueueAddCmd) Run(ctx context.Context) error {
	if err := checkSource(c.Source); err != nil {
		return err
	}
	target, err := parseTarget(c.To)
	if err != nil {
		return err
	}

	engine, err := buildEngine()
	if err != nil {
		return err
	}

	item, err := engine.QueueAdd(c.Source, target, c.Output, nil)
	if err != nil {
		return exitWith(exitIO, err)
	}

	fmt.Printf("Queued item %d: %s → %s\n", item.ID, item.Source, item.Target)
	return nil
}

type QueueListCmd struct{}

func (c *QueueListCmd) Run(ctx context.Context) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}

	items, err := engine.QueueItems()
	if err != nil {
		return exitWith(exitIO, err)
	}
	if len(items) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	for _, item := range items {
		line := fmt.Sprintf("%-5d %-10s %s → %s", item.ID, item.Status, item.Source, item.Target)
		if item.Message != "" {
			line += fmt.Sprintf(" (%s)", item.Message)
		}
		fmt.Println(line)
	}
	return nil
}

type QueueCancelCmd struct {
	ID int64 `arg:"" help:"ID of the queue item to cancel"`
}

func (c *QueueCancelCmd) Run(ctx context.Context) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}

	if err := engine.QueueCancel(c.ID); err != nil {
		return exitWith(exitIO, err)
	}

	fmt.Printf("Cancelled queue item %d\n", c.ID)
	return nil
}

type RunCmd struct{}

func (c *RunCmd) Run(ctx context.Context) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}

	if err := engine.Run(ctx); err != nil {
		return exitWith(exitIO, err)
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Printf("meltforge %s (runtime API %s)\n", version, plugin.HostAPIVersion)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parsed := kong.Parse(&CLI,
		kong.Name("meltforge"),
		kong.Description("Meltforge - pluggable media conversion engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	switch {
	case CLI.Verbose:
		logger.Log.SetMinStatus(logger.VERBOSE)
	case CLI.Quiet:
		logger.Log.SetMinStatus(logger.ERROR)
	}

	err := parsed.Run()
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "meltforge: %s\n", err.Error())
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	os.Exit(exitUsage)
}
