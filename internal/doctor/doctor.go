// Package doctor exercises a configuration against a scratch tracker before
// any real task is touched. It never dispatches notifications.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/trudger/trudger/internal/config"
	"github.com/trudger/trudger/internal/shell"
	"github.com/trudger/trudger/internal/task"
)

// CommandRunner is the slice of the shell runner the doctor needs.
type CommandRunner interface {
	Capture(command string, label string, taskToken string, args []string, env *shell.Env) (shell.Result, error)
	Status(command string, label string, taskToken string, args []string, env *shell.Env) (int, error)
}

type check struct {
	name string
	run  func() error
}

// Run performs the doctor checks and writes a human-readable report to out.
// It returns an error when any check fails.
func Run(cfg *config.Config, configPath string, runner CommandRunner, out io.Writer) error {
	if strings.TrimSpace(cfg.Hooks.OnDoctorSetup) == "" {
		return fmt.Errorf("doctor requires hooks.on_doctor_setup to be configured")
	}

	scratch, err := os.MkdirTemp("", "trudger-doctor-*")
	if err != nil {
		return fmt.Errorf("doctor failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	env := func(id task.ID) *shell.Env {
		e := shell.NewEnv(configPath)
		e.Dir = scratch
		e.Set(shell.EnvDoctorScratchDir, scratch)
		if id != "" {
			e.Set(shell.EnvTaskID, id.String())
		}
		return e
	}

	var id task.ID
	checks := []check{
		{name: "hooks.on_doctor_setup", run: func() error {
			exit, err := runner.Status(cfg.Hooks.OnDoctorSetup, "doctor_setup", "none", nil, env(""))
			if err != nil {
				return err
			}
			if exit != 0 {
				return fmt.Errorf("exit code %d", exit)
			}
			return nil
		}},
		{name: "commands.next_task", run: func() error {
			result, err := runner.Capture(cfg.Commands.NextTask, "next-task", "none", nil, env(""))
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("exit code %d", result.ExitCode)
			}
			fields := strings.Fields(result.Stdout)
			if len(fields) == 0 {
				return fmt.Errorf("no task produced against the scratch tracker")
			}
			id, err = task.ParseID(fields[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", fields[0], err)
			}
			return nil
		}},
		{name: "commands.task_show", run: func() error {
			if id == "" {
				return fmt.Errorf("skipped: no task id from next_task")
			}
			result, err := runner.Capture(cfg.Commands.TaskShow, "task", id.String(), nil, env(id))
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("exit code %d", result.ExitCode)
			}
			return nil
		}},
		{name: "commands.task_status", run: func() error {
			if id == "" {
				return fmt.Errorf("skipped: no task id from next_task")
			}
			result, err := runner.Capture(cfg.Commands.TaskStatus, "task", id.String(), nil, env(id))
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("exit code %d", result.ExitCode)
			}
			fields := strings.Fields(result.Stdout)
			if len(fields) == 0 {
				return fmt.Errorf("empty status output")
			}
			if status := task.ParseStatus(fields[0]); !status.IsKnown() {
				return fmt.Errorf("unknown status token %q", fields[0])
			}
			return nil
		}},
	}

	failures := 0
	for _, c := range checks {
		if err := c.run(); err != nil {
			failures++
			fmt.Fprintf(out, "FAIL %s: %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", c.name)
	}
	if failures > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", failures)
	}
	fmt.Fprintln(out, "All doctor checks passed.")
	return nil
}
