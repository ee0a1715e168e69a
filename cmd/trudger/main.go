// Command trudger drives an external agent through solve/review loops over
// tracker tasks. Trackers, agents, and hooks are all opaque shell commands
// wired in through a YAML config.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/trudger/trudger/internal/bus"
	"github.com/trudger/trudger/internal/config"
	"github.com/trudger/trudger/internal/doctor"
	"github.com/trudger/trudger/internal/logging"
	"github.com/trudger/trudger/internal/notify"
	"github.com/trudger/trudger/internal/prompt"
	"github.com/trudger/trudger/internal/runloop"
	"github.com/trudger/trudger/internal/shell"
	"github.com/trudger/trudger/internal/statusline"
	"github.com/trudger/trudger/internal/task"
)

const defaultConfigRelPath = ".config/trudger.yml"

// taskListFlag accumulates -t/--task values, splitting comma-separated lists.
// An empty segment is a hard error, never silently dropped.
type taskListFlag struct {
	ids []task.ID
}

func (f *taskListFlag) String() string {
	return task.JoinIDs(f.ids)
}

func (f *taskListFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			return fmt.Errorf("empty task id segment in %q", value)
		}
		id, err := task.ParseID(trimmed)
		if err != nil {
			return err
		}
		f.ids = append(f.ids, id)
	}
	return nil
}

type cliOptions struct {
	configPath  string
	manualTasks []task.ID
	doctorMode  bool
}

func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	fs := flag.NewFlagSet("trudger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var configPath string
	var tasks taskListFlag
	fs.StringVar(&configPath, "c", "", "path to the trudger config file")
	fs.StringVar(&configPath, "config", "", "path to the trudger config file")
	fs.Var(&tasks, "t", "task id to process (repeatable, comma-separated)")
	fs.Var(&tasks, "task", "task id to process (repeatable, comma-separated)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: trudger [-c CONFIG] [-t TASK]...\n")
		fmt.Fprintf(stderr, "       trudger [-c CONFIG] doctor\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := &cliOptions{configPath: configPath, manualTasks: tasks.ids}
	rest := fs.Args()
	switch {
	case len(rest) == 0:
	case len(rest) == 1 && rest[0] == "doctor":
		opts.doctorMode = true
	default:
		return nil, fmt.Errorf("positional task IDs are no longer supported; use --task %s", rest[0])
	}
	if opts.doctorMode && len(opts.manualTasks) > 0 {
		return nil, fmt.Errorf("--task cannot be combined with the doctor subcommand")
	}
	return opts, nil
}

func resolveConfigPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigRelPath), nil
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	configPath, err := resolveConfigPath(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(stderr, "Error: missing config file: %s\n", configPath)
		return 1
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, key := range loaded.Warnings {
		fmt.Fprintf(stderr, "Warning: Unknown config key: %s\n", key)
	}
	cfg := loaded.Config

	if opts.doctorMode {
		// Doctor runs are diagnostic: no sink, no notifications, no stream.
		log := logging.New("")
		log.SetStderr(stderr)
		runner := shell.NewRunner(log)
		runner.Stdout, runner.Stderr = stdout, stderr
		if err := doctor.Run(&cfg, configPath, runner, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	log := logging.New(cfg.LogPath)
	log.SetStderr(stderr)

	if err := runloop.ValidateConfig(&cfg, opts.manualTasks, log); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(stderr, "Error: cannot locate home directory: %v\n", err)
		return 1
	}
	prompts, err := prompt.LoadPair(home)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.LogStream != nil {
		stream, err := bus.OpenStream(cfg.LogStream.Backend, cfg.LogStream.Address, cfg.LogStream.Subject, log)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log stream: %v\n", err)
			return 1
		}
		defer stream.Close()
	}

	runner := shell.NewRunner(log)
	runner.Stdout, runner.Stderr = stdout, stderr
	dispatcher := notify.New(cfg.Hooks.OnNotification, cfg.Scope(), configPath, log, runner)

	var interrupted atomic.Bool
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	defer signal.Stop(signals)
	go func() {
		for range signals {
			interrupted.Store(true)
		}
	}()

	line := statusline.ForWriter(stdout)
	state := &runloop.State{
		Config:      cfg,
		ConfigPath:  configPath,
		Prompts:     prompts,
		Log:         log,
		Runner:      runner,
		Status:      line,
		Notifier:    dispatcher,
		Interrupted: interrupted.Load,
		ManualTasks: opts.manualTasks,
	}

	dispatcher.RunStart()
	quit := state.Run()
	state.ResetTaskOnExit()
	line.Clear()

	code := 0
	if quit != nil {
		code = quit.ExitCode()
	}
	// Best effort on every termination path, including interrupts.
	dispatcher.RunEnd(code)
	return code
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
